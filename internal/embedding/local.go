package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"convo-indexer/internal/retry"
)

// LocalEmbedder talks to a self-hosted OpenAI-compatible embeddings server
// such as llama.cpp.
type LocalEmbedder struct {
	BaseURL      string
	APIKey       string
	Model        string
	ExpectedSize int // Every returned vector must have this size
	client       *http.Client
}

// NewLocalEmbedder creates a client for the server at baseURL.
func NewLocalEmbedder(baseURL, apiKey, model string, expectedSize int) *LocalEmbedder {
	return &LocalEmbedder{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		Model:        model,
		ExpectedSize: expectedSize,
		client:       &http.Client{Timeout: 2 * time.Minute},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Data []embeddingData `json:"data"`
}

func (c *LocalEmbedder) Name() string   { return "local:" + c.Model }
func (c *LocalEmbedder) Dimension() int { return c.ExpectedSize }

// Embed returns one vector per text. A 4xx other than 429 is marked permanent.
func (c *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	body, err := json.Marshal(embeddingsRequest{Model: c.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if permanentStatus(resp.StatusCode) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Data))
	}

	result := make([][]float32, len(out.Data))
	for i, data := range out.Data {
		idx := data.Index
		if idx < 0 || idx >= len(result) || result[idx] != nil {
			idx = i
		}
		if len(data.Embedding) != c.ExpectedSize {
			return nil, retry.Permanent(fmt.Errorf("%w: embedding %d has size %d, expected %d", ErrDimensionMismatch, i, len(data.Embedding), c.ExpectedSize))
		}
		result[idx] = toFloat32(data.Embedding)
	}

	return result, nil
}

func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

func toFloat32(in []float64) []float32 {
	vec := make([]float32, len(in))
	for j, v := range in {
		vec[j] = float32(v)
	}
	return vec
}
