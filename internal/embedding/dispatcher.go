package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/retry"
)

// DispatcherConfig tunes batching, concurrency, caching and retries.
type DispatcherConfig struct {
	BatchSize      int
	Concurrency    int
	CacheSize      int // 0 disables the cache
	DocumentPrefix string
	QueryPrefix    string
	Retry          retry.Policy
}

// DispatcherStats are cumulative counters.
type DispatcherStats struct {
	Texts     int64 `json:"texts"`
	CacheHits int64 `json:"cache_hits"`
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Failures  int64 `json:"failures"`
}

// Dispatcher fronts a backend with batching, a bounded number of in-flight
// requests, a content-hash cache and retries.
type Dispatcher struct {
	backend Embedder
	cfg     DispatcherConfig
	sem     *semaphore.Weighted
	cache   *lru.Cache[string, []float32]

	texts, cacheHits, requests, retries, failures atomic.Int64
}

// NewDispatcher wraps backend.
func NewDispatcher(backend Embedder, cfg DispatcherConfig) (*Dispatcher, error) {
	if backend == nil {
		return nil, errors.New("embedding backend is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	d := &Dispatcher{
		backend: backend,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		d.cache = cache
	}
	return d, nil
}

// Name returns the backend name.
func (d *Dispatcher) Name() string { return d.backend.Name() }

// Dimension returns the backend vector size.
func (d *Dispatcher) Dimension() int { return d.backend.Dimension() }

// EmbedDocuments embeds chunk texts for storage.
func (d *Dispatcher) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return d.Embed(ctx, texts, IntentDocument)
}

// EmbedQuery embeds a single search query.
func (d *Dispatcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := d.Embed(ctx, []string{text}, IntentQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one vector per text in input order. Texts are prefixed for
// intent, served from cache where possible and the rest sent in batches.
// When the backend keeps failing the error wraps ErrBackendExhausted.
func (d *Dispatcher) Embed(ctx context.Context, texts []string, intent Intent) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	d.texts.Add(int64(len(texts)))

	prefix := d.cfg.DocumentPrefix
	if intent == IntentQuery {
		prefix = d.cfg.QueryPrefix
	}

	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missing []int
	for i, t := range texts {
		keys[i] = ComputeHash(d.backend.Name(), prefix+t)
		if d.cache != nil {
			if vec, ok := d.cache.Get(keys[i]); ok {
				out[i] = vec
				d.cacheHits.Add(1)
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(missing); start += d.cfg.BatchSize {
		batch := missing[start:min(start+d.cfg.BatchSize, len(missing))]
		g.Go(func() error {
			inputs := make([]string, len(batch))
			for j, idx := range batch {
				inputs[j] = prefix + texts[idx]
			}
			vecs, err := d.embedBatch(gctx, inputs)
			if err != nil {
				return err
			}
			for j, idx := range batch {
				out[idx] = vecs[j]
				if d.cache != nil {
					d.cache.Add(keys[idx], vecs[j])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) embedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	logger := contextutil.LoggerFromContext(ctx)
	want := d.backend.Dimension()

	var vecs [][]float32
	attempts, err := retry.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
		d.requests.Add(1)
		got, err := d.backend.Embed(ctx, inputs)
		if err != nil {
			return err
		}
		if len(got) != len(inputs) {
			return fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(got))
		}
		for i, v := range got {
			if len(v) != want {
				return retry.Permanent(fmt.Errorf("%w: vector %d has size %d, expected %d", ErrDimensionMismatch, i, len(v), want))
			}
		}
		vecs = got
		return nil
	}, func(err error, wait time.Duration) {
		d.retries.Add(1)
		logger.WarnContext(ctx, "embedding request failed, retrying",
			"backend", d.backend.Name(),
			"batch", len(inputs),
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		d.failures.Add(1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrDimensionMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrBackendExhausted, attempts, err)
	}
	return vecs, nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Texts:     d.texts.Load(),
		CacheHits: d.cacheHits.Load(),
		Requests:  d.requests.Load(),
		Retries:   d.retries.Load(),
		Failures:  d.failures.Load(),
	}
}
