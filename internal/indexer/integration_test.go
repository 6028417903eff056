package indexer_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"convo-indexer/internal/chunker"
	"convo-indexer/internal/discovery"
	"convo-indexer/internal/embedding"
	embeddingmocks "convo-indexer/internal/embedding/mocks"
	"convo-indexer/internal/indexer"
	"convo-indexer/internal/ledger"
	"convo-indexer/internal/resource"
	"convo-indexer/internal/retry"
	"convo-indexer/internal/scheduler"
	"convo-indexer/internal/state"
	"convo-indexer/internal/vectorstore"
	storemocks "convo-indexer/internal/vectorstore/mocks"
)

type quietSampler struct{}

func (quietSampler) CPUPercent(context.Context) (float64, error) { return 0, nil }
func (quietSampler) RSS(context.Context) (uint64, error)         { return 32 << 20, nil }

var fastRetry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func vectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(i), 1, 0, 0}
	}
	return out
}

func fileOf(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "logs", "proj", "conv123.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func manyWords(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func turn(role, text string) string {
	return fmt.Sprintf(`{"type":%q,"message":{"role":%q,"content":%q}}`, role, role, text)
}

func build(t *testing.T, dir string, backend embedding.Embedder, vs vectorstore.VectorStore) (*indexer.Pipeline, *state.Store) {
	t.Helper()

	dispatcher, err := embedding.NewDispatcher(backend, embedding.DispatcherConfig{BatchSize: 8, Concurrency: 1, Retry: fastRetry})
	require.NoError(t, err)
	writer := vectorstore.NewWriter(vs, vectorstore.WriterConfig{VectorSize: 4, Concurrency: 1, AttemptTimeout: time.Second, Retry: fastRetry})

	db, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ledger.Migrate(db))

	store := state.NewStore(filepath.Join(dir, "state.json"))
	p, err := indexer.NewPipeline(indexer.Deps{
		Store:     store,
		Scanner:   discovery.NewScanner(discovery.Config{Roots: []string{filepath.Join(dir, "logs")}, HotWindow: 5 * time.Minute, WarmWindow: 24 * time.Hour}),
		Queue:     scheduler.NewQueue(scheduler.Config{Capacity: 4, MaxColdPerCycle: 5, StarvationThreshold: 30 * time.Minute}),
		Monitor:   resource.NewMonitor(resource.Config{MaxCPUPercent: 80}, quietSampler{}),
		Embedder:  dispatcher,
		Writer:    writer,
		Chunks:    ledger.NewChunkRepo(db),
		Anomalies: ledger.NewAnomalyRepo(db),
	}, indexer.Options{
		Chunking:    chunker.Config{Budget: 400, Overlap: 75},
		Tokenizer:   chunker.WordTokenizer{},
		Collections: vectorstore.CollectionNamer{Mode: vectorstore.ModeSingle, Name: "conversations"},
	})
	require.NoError(t, err)
	return p, store
}

func discover(t *testing.T, p *indexer.Pipeline, path string) scheduler.WorkItem {
	t.Helper()
	report, err := p.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Candidates)
	return scheduler.WorkItem{Path: path, Project: "proj", ConversationID: "conv123"}
}

func TestPipeline_EmbedsAndStoresConversation(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := embeddingmocks.NewMockEmbedder(ctrl)
	vs := storemocks.NewMockVectorStore(ctrl)
	dir := t.TempDir()

	path := fileOf(t, dir,
		`{"type":"summary","summary":"Retry tuning"}`,
		turn("user", manyWords("u", 299)),
		turn("assistant", manyWords("a", 299)),
	)

	backend.EXPECT().Name().Return("mock").AnyTimes()
	backend.EXPECT().Dimension().Return(4).AnyTimes()
	backend.EXPECT().Embed(gomock.Any(), gomock.Len(2)).Return(vectors(2), nil)

	gomock.InOrder(
		vs.EXPECT().CollectionExists(gomock.Any(), "conversations").Return(false, nil),
		vs.EXPECT().CreateCollection(gomock.Any(), "conversations", 4).Return(nil),
		vs.EXPECT().Upsert(gomock.Any(), "conversations", gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, points []vectorstore.Point) error {
				require.Len(t, points, 2)
				assert.Equal(t, vectorstore.PointID("conv123#0"), points[0].ID)
				assert.Equal(t, vectorstore.PointID("conv123#1"), points[1].ID)
				assert.Equal(t, "conv123#1", points[1].Meta["chunk_key"])
				assert.Equal(t, "mock", points[1].Meta["embedding_model"])
				return nil
			}),
	)

	p, store := build(t, dir, backend, vs)
	item := discover(t, p, path)

	out, err := p.ProcessFile(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Chunks)

	rec, ok := store.Lookup(path)
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.Lines)
	assert.Equal(t, 2, rec.NextSeq)
}

func TestPipeline_StorageExhaustionKeepsOffset(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := embeddingmocks.NewMockEmbedder(ctrl)
	vs := storemocks.NewMockVectorStore(ctrl)
	dir := t.TempDir()

	path := fileOf(t, dir, turn("user", "Why is the queue deferring items?"))

	backend.EXPECT().Name().Return("mock").AnyTimes()
	backend.EXPECT().Dimension().Return(4).AnyTimes()
	backend.EXPECT().Embed(gomock.Any(), gomock.Len(1)).Return(vectors(1), nil)
	vs.EXPECT().CollectionExists(gomock.Any(), "conversations").Return(true, nil).AnyTimes()
	vs.EXPECT().CollectionInfo(gomock.Any(), "conversations").Return(&vectorstore.CollectionInfo{VectorSize: 4}, nil).AnyTimes()
	vs.EXPECT().Upsert(gomock.Any(), "conversations", gomock.Any()).Return(errors.New("connection refused")).Times(2)

	p, store := build(t, dir, backend, vs)
	item := discover(t, p, path)

	_, err := p.ProcessFile(context.Background(), item)
	require.ErrorIs(t, err, vectorstore.ErrStoreExhausted)

	_, ok := store.Lookup(path)
	assert.False(t, ok)
}
