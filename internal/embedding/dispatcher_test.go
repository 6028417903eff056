package embedding_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/embedding"
	"convo-indexer/internal/embedding/mocks"
	"convo-indexer/internal/retry"
)

func vectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
		out[i][0] = float32(i + 1)
	}
	return out
}

func newBackend(t *testing.T) *mocks.MockEmbedder {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockEmbedder(ctrl)
	m.EXPECT().Name().Return("mock").AnyTimes()
	m.EXPECT().Dimension().Return(4).AnyTimes()
	return m
}

func dispatcherConfig() embedding.DispatcherConfig {
	return embedding.DispatcherConfig{
		BatchSize:      2,
		Concurrency:    2,
		CacheSize:      16,
		DocumentPrefix: "search_document: ",
		QueryPrefix:    "search_query: ",
		Retry:          retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func TestDispatcher_BatchesAndPrefixes(t *testing.T) {
	backend := newBackend(t)
	var seen [][]string
	backend.EXPECT().Embed(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, texts []string) ([][]float32, error) {
		seen = append(seen, texts)
		return vectors(len(texts), 4), nil
	}).Times(1)

	cfg := dispatcherConfig()
	cfg.BatchSize = 8
	d, err := embedding.NewDispatcher(backend, cfg)
	require.NoError(t, err)

	got, err := d.EmbedDocuments(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"search_document: one", "search_document: two", "search_document: three"}, seen[0])
	assert.Equal(t, float32(3), got[2][0])
}

func TestDispatcher_SplitsIntoBatchesPreservingOrder(t *testing.T) {
	backend := newBackend(t)
	backend.EXPECT().Embed(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, texts []string) ([][]float32, error) {
		assert.LessOrEqual(t, len(texts), 2)
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = []float32{float32(len(s)), 0, 0, 0}
		}
		return out, nil
	}).Times(3)

	d, err := embedding.NewDispatcher(backend, dispatcherConfig())
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	got, err := d.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	for i, s := range texts {
		assert.Equal(t, float32(len("search_document: "+s)), got[i][0])
	}
}

func TestDispatcher_CachesByContent(t *testing.T) {
	backend := newBackend(t)
	backend.EXPECT().Embed(gomock.Any(), []string{"search_document: same"}).Return(vectors(1, 4), nil).Times(1)
	backend.EXPECT().Embed(gomock.Any(), []string{"search_query: same"}).Return(vectors(1, 4), nil).Times(1)

	d, err := embedding.NewDispatcher(backend, dispatcherConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := d.EmbedDocuments(context.Background(), []string{"same"})
		require.NoError(t, err)
	}
	// Same text with a different intent is a different input.
	_, err = d.EmbedQuery(context.Background(), "same")
	require.NoError(t, err)

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.CacheHits)
	assert.Equal(t, int64(2), stats.Requests)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	backend := newBackend(t)
	gomock.InOrder(
		backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused")),
		backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(vectors(1, 4), nil),
	)

	d, err := embedding.NewDispatcher(backend, dispatcherConfig())
	require.NoError(t, err)

	_, err = d.EmbedDocuments(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Stats().Retries)
}

func TestDispatcher_RetryWarningCarriesContext(t *testing.T) {
	backend := newBackend(t)
	gomock.InOrder(
		backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused")),
		backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(vectors(1, 4), nil),
	)
	d, err := embedding.NewDispatcher(backend, dispatcherConfig())
	require.NoError(t, err)

	ctx, logs := tracedContext()
	_, err = d.EmbedDocuments(ctx, []string{"x"})
	require.NoError(t, err)
	assert.Contains(t, logs.traces, "req-42")
	assert.NotContains(t, logs.traces, nil)
}

func TestDispatcher_ExhaustsRetries(t *testing.T) {
	backend := newBackend(t)
	backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(nil, errors.New("503")).Times(3)

	d, err := embedding.NewDispatcher(backend, dispatcherConfig())
	require.NoError(t, err)

	_, err = d.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, embedding.ErrBackendExhausted)
	assert.Equal(t, int64(1), d.Stats().Failures)
}

func TestDispatcher_PermanentErrorNotRetried(t *testing.T) {
	backend := newBackend(t)
	backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(nil, retry.Permanent(errors.New("400 bad request"))).Times(1)

	d, err := embedding.NewDispatcher(backend, dispatcherConfig())
	require.NoError(t, err)

	_, err = d.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, embedding.ErrBackendExhausted)
}

func TestDispatcher_DimensionMismatch(t *testing.T) {
	backend := newBackend(t)
	backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(vectors(1, 3), nil).Times(1)

	d, err := embedding.NewDispatcher(backend, dispatcherConfig())
	require.NoError(t, err)

	_, err = d.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, embedding.ErrDimensionMismatch)
}

func TestDispatcher_ContextCanceled(t *testing.T) {
	backend := newBackend(t)
	backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(nil, errors.New("timeout")).AnyTimes()

	cfg := dispatcherConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	d, err := embedding.NewDispatcher(backend, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.EmbedDocuments(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, embedding.ErrBackendExhausted)
}

func TestDispatcher_EmptyInput(t *testing.T) {
	d, err := embedding.NewDispatcher(newBackend(t), dispatcherConfig())
	require.NoError(t, err)

	_, err = d.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, embedding.ErrEmptyInput)
}

type traceKey struct{}

// traceHandler remembers the trace value of the context each record was logged with.
type traceHandler struct {
	mu     sync.Mutex
	traces []any
}

func (h *traceHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *traceHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h *traceHandler) WithGroup(string) slog.Handler           { return h }
func (h *traceHandler) Handle(ctx context.Context, _ slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.traces = append(h.traces, ctx.Value(traceKey{}))
	return nil
}

func tracedContext() (context.Context, *traceHandler) {
	h := &traceHandler{}
	ctx := context.WithValue(context.Background(), traceKey{}, "req-42")
	return contextutil.WithLogger(ctx, slog.New(h)), h
}
