package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/retry"
)

// WriterConfig tunes the storage writer.
type WriterConfig struct {
	VectorSize     int
	Concurrency    int
	AttemptTimeout time.Duration
	ExistsTTL      time.Duration
	Retry          retry.Policy
}

// WriterStats are cumulative counters.
type WriterStats struct {
	Batches            int64 `json:"batches"`
	Points             int64 `json:"points"`
	Retries            int64 `json:"retries"`
	Failures           int64 `json:"failures"`
	CollectionsCreated int64 `json:"collections_created"`
}

// Writer stores points with bounded concurrency and retries, creating
// collections lazily the first time they are written to.
type Writer struct {
	store  VectorStore
	cfg    WriterConfig
	sem    *semaphore.Weighted
	exists *expirable.LRU[string, struct{}]

	batches, points, retries, failures, created atomic.Int64
}

// NewWriter wraps store.
func NewWriter(store VectorStore, cfg WriterConfig) *Writer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.ExistsTTL <= 0 {
		cfg.ExistsTTL = 30 * time.Second
	}
	return &Writer{
		store:  store,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		exists: expirable.NewLRU[string, struct{}](256, nil, cfg.ExistsTTL),
	}
}

// Upsert writes points to collection, making sure the collection exists first.
// It returns only after the store has acknowledged the write. Once retries are
// used up the error wraps ErrStoreExhausted.
func (w *Writer) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	return w.do(ctx, "upsert", collection, func(ctx context.Context) error {
		if err := w.ensure(ctx, collection); err != nil {
			return err
		}
		err := w.store.Upsert(ctx, collection, points)
		if errors.Is(err, ErrCollectionNotFound) {
			// Deleted behind our back; recreate on the next attempt.
			w.exists.Remove(collection)
		}
		if err == nil {
			w.batches.Add(1)
			w.points.Add(int64(len(points)))
		}
		return err
	})
}

// ResetConversation deletes the points of a conversation from fromSeq on.
func (w *Writer) ResetConversation(ctx context.Context, collection, conversationID string, fromSeq int) error {
	return w.do(ctx, "reset", collection, func(ctx context.Context) error {
		return w.store.DeleteConversationFrom(ctx, collection, conversationID, fromSeq)
	})
}

// Info returns collection info for status reporting.
func (w *Writer) Info(ctx context.Context, collection string) (*CollectionInfo, error) {
	return w.store.CollectionInfo(ctx, collection)
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Batches:            w.batches.Load(),
		Points:             w.points.Load(),
		Retries:            w.retries.Load(),
		Failures:           w.failures.Load(),
		CollectionsCreated: w.created.Load(),
	}
}

func (w *Writer) do(ctx context.Context, op, collection string, fn func(ctx context.Context) error) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	logger := contextutil.LoggerFromContext(ctx)

	attempts, err := retry.Do(ctx, w.cfg.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		defer cancel()
		return fn(attemptCtx)
	}, func(err error, wait time.Duration) {
		w.retries.Add(1)
		logger.WarnContext(ctx, "vector store request failed, retrying",
			"op", op,
			"collection", collection,
			"wait", wait,
			"error", err,
		)
	})
	if err == nil {
		return nil
	}

	w.failures.Add(1)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrVectorSizeMismatch) {
		return err
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrStoreExhausted, op, collection, attempts, err)
}

func (w *Writer) ensure(ctx context.Context, collection string) error {
	if _, ok := w.exists.Get(collection); ok {
		return nil
	}

	exists, err := w.store.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}

	if !exists {
		if err := w.store.CreateCollection(ctx, collection, w.cfg.VectorSize); err != nil {
			return err
		}
		w.created.Add(1)
	} else {
		info, err := w.store.CollectionInfo(ctx, collection)
		if err != nil {
			return err
		}
		if info.VectorSize != 0 && info.VectorSize != w.cfg.VectorSize {
			return retry.Permanent(fmt.Errorf("%w: %s has %d, expected %d", ErrVectorSizeMismatch, collection, info.VectorSize, w.cfg.VectorSize))
		}
	}

	w.exists.Add(collection, struct{}{})
	return nil
}
