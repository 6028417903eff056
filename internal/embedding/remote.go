package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"convo-indexer/internal/retry"
)

// RemoteEmbedder calls a hosted OpenAI-compatible embeddings API under a
// requests-per-minute limit.
type RemoteEmbedder struct {
	client    openai.Client
	model     string
	dimension int
	limiter   *rate.Limiter
}

// NewRemoteEmbedder creates a remote backend. perMinute <= 0 disables rate limiting.
// Retries are left to the dispatcher.
func NewRemoteEmbedder(baseURL, apiKey, model string, dimension, perMinute int) *RemoteEmbedder {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}

	return &RemoteEmbedder{
		client:    openai.NewClient(opts...),
		model:     model,
		dimension: dimension,
		limiter:   limiter,
	}
}

func (r *RemoteEmbedder) Name() string   { return "remote:" + r.model }
func (r *RemoteEmbedder) Dimension() int { return r.dimension }

func (r *RemoteEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(r.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	// Only the v3 models accept a reduced dimension.
	if strings.HasPrefix(r.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(r.dimension))
	}

	resp, err := r.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && permanentStatus(apiErr.StatusCode) {
			return nil, retry.Permanent(fmt.Errorf("embeddings request rejected: %w", err))
		}
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(result) || result[idx] != nil {
			idx = i
		}
		if len(d.Embedding) != r.dimension {
			return nil, retry.Permanent(fmt.Errorf("%w: embedding %d has size %d, expected %d", ErrDimensionMismatch, i, len(d.Embedding), r.dimension))
		}
		result[idx] = toFloat32(d.Embedding)
	}
	return result, nil
}
