package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"convo-indexer/internal/chunker"
	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/discovery"
	"convo-indexer/internal/ledger"
	"convo-indexer/internal/resource"
	"convo-indexer/internal/scheduler"
	"convo-indexer/internal/state"
	"convo-indexer/internal/vectorstore"
)

// DocumentEmbedder turns chunk texts into vectors.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// PointWriter is the only path by which the pipeline writes to the vector store.
type PointWriter interface {
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
	ResetConversation(ctx context.Context, collection, conversationID string, fromSeq int) error
}

// Deps are the collaborators of a Pipeline. Watcher may be nil, in which case
// the fast loop polls recently hot files instead.
type Deps struct {
	Store     *state.Store
	Scanner   *discovery.Scanner
	Watcher   *discovery.Watcher
	Queue     *scheduler.Queue
	Monitor   *resource.Monitor
	Embedder  DocumentEmbedder
	Writer    PointWriter
	Chunks    ledger.ChunkStore
	Anomalies ledger.AnomalyStore
}

// Options tune the pipeline.
type Options struct {
	Chunking         chunker.Config
	Tokenizer        chunker.Tokenizer
	Collections      vectorstore.CollectionNamer
	EmbedBatchSize   int
	MaxBytesPerPass  int64
	MaxLineBytes     int
	HotWindow        time.Duration
	HotCheckInterval time.Duration
	ScanInterval     time.Duration
	// ShutdownGrace bounds how long an in-flight batch may keep storing after cancellation.
	ShutdownGrace time.Duration
}

// Pipeline drives discovery, scheduling and per-file processing.
type Pipeline struct {
	deps Deps
	opts Options
	now  func() time.Time

	counters counters

	mu         sync.Mutex
	lastScan   time.Time // start of the previous full scan
	lastReport discovery.Report
	cleanMark  cycleMark
}

// cycleMark captures failure counters at the start of a scan cycle.
type cycleMark struct {
	failures int64
	deferred int64
	errors   int
}

// NewPipeline validates deps and applies option defaults.
func NewPipeline(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("state store is required")
	case deps.Scanner == nil:
		return nil, errors.New("scanner is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Monitor == nil:
		return nil, errors.New("resource monitor is required")
	case deps.Embedder == nil:
		return nil, errors.New("embedder is required")
	case deps.Writer == nil:
		return nil, errors.New("writer is required")
	case deps.Chunks == nil || deps.Anomalies == nil:
		return nil, errors.New("ledger stores are required")
	case opts.Tokenizer == nil:
		return nil, errors.New("tokenizer is required")
	}

	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 16
	}
	if opts.MaxBytesPerPass <= 0 {
		opts.MaxBytesPerPass = 8 << 20
	}
	if opts.HotWindow <= 0 {
		opts.HotWindow = 5 * time.Minute
	}
	if opts.HotCheckInterval <= 0 {
		opts.HotCheckInterval = 2 * time.Second
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Minute
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}

	return &Pipeline{deps: deps, opts: opts, now: time.Now}, nil
}

// Run starts the monitor, watcher, scan loops and the worker and blocks until
// ctx is cancelled. On the way out the in-flight file finishes its current
// batch and the state is flushed.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "pipeline starting",
		"hot_check_interval", p.opts.HotCheckInterval,
		"scan_interval", p.opts.ScanInterval,
		"watcher", p.deps.Watcher != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.deps.Monitor.Run(gctx) })
	if p.deps.Watcher != nil {
		g.Go(func() error { return p.deps.Watcher.Run(gctx) })
	}
	g.Go(func() error { return p.scanLoop(gctx) })
	g.Go(func() error { return p.fastLoop(gctx) })
	g.Go(func() error { return p.workLoop(gctx) })

	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ShutdownGrace)
	defer cancel()
	if serr := p.saveState(flushCtx); serr != nil {
		logger.ErrorContext(ctx, "failed to flush state on shutdown", "error", serr)
		if err == nil {
			err = serr
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.InfoContext(ctx, "pipeline stopped", "files_processed", p.counters.filesProcessed.Load())
	return nil
}

func (p *Pipeline) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.ScanInterval)
	defer ticker.Stop()

	for {
		if _, err := p.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) fastLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.HotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.CheckHot(ctx)
		}
	}
}

func (p *Pipeline) workLoop(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)
	defer p.deps.Queue.Close()

	for {
		item, err := p.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scheduler.ErrClosed) {
				return nil
			}
			return err
		}

		out, err := p.ProcessFile(ctx, item)
		p.deps.Queue.Done(item.Path)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			p.counters.filesFailed.Add(1)
			logger.WarnContext(ctx, "file processing failed, will retry next cycle",
				"path", item.Path,
				"tier", item.Tier.String(),
				"error", err,
			)
			continue
		}

		if out.More {
			item.EnqueuedAt = time.Time{}
			item.Reset = false
			p.counters.requeued.Add(1)
			p.deps.Queue.Enqueue(item)
		}

		p.deps.Monitor.Reclaim(ctx)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// ScanOnce runs one full discovery cycle and enqueues what it finds.
func (p *Pipeline) ScanOnce(ctx context.Context) (discovery.Report, error) {
	logger := contextutil.LoggerFromContext(ctx)
	start := p.now()

	p.maybeAdvanceHighWaterMark(ctx)

	mark := p.markCycle()
	items, report, err := p.deps.Scanner.Scan(ctx, p.deps.Store, start)
	p.counters.scans.Add(1)

	p.deps.Queue.NewCycle()
	results := p.enqueue(items)

	// Deferred paths the scan no longer reports need no work.
	if err == nil {
		wanted := make(map[string]struct{}, len(items))
		for _, it := range items {
			wanted[it.Path] = struct{}{}
		}
		for _, path := range p.deps.Queue.DeferredPaths() {
			if _, ok := wanted[path]; !ok {
				p.deps.Queue.Forget(path)
			}
		}
	}

	mark.errors = report.Errors
	if err != nil {
		mark.errors++
	}
	p.mu.Lock()
	p.lastScan = start
	p.lastReport = report
	p.cleanMark = mark
	p.mu.Unlock()

	logger.InfoContext(ctx, "scan complete",
		"seen", report.Seen,
		"candidates", report.Candidates,
		"below_mark", report.BelowMark,
		"unchanged", report.Unchanged,
		"truncated", report.Truncated,
		"errors", report.Errors,
		"enqueued", results[scheduler.Enqueued]+results[scheduler.Upgraded],
		"deferred", results[scheduler.Deferred],
		"duration", p.now().Sub(start),
	)
	return report, err
}

// CheckHot looks at files written since the last check and enqueues the HOT ones.
func (p *Pipeline) CheckHot(ctx context.Context) int {
	now := p.now()
	var paths []string
	if p.deps.Watcher != nil {
		paths = p.deps.Watcher.Drain()
	} else {
		paths = p.recentlyHot(now)
	}
	if len(paths) == 0 {
		return 0
	}

	items, _ := p.deps.Scanner.ScanPaths(ctx, p.deps.Store, paths, now)
	results := p.enqueue(items)
	p.counters.hotChecks.Add(1)
	return results[scheduler.Enqueued] + results[scheduler.Upgraded]
}

// recentlyHot lists known files modified within the hot window.
func (p *Pipeline) recentlyHot(now time.Time) []string {
	var paths []string
	for _, f := range p.deps.Store.Snapshot().Files {
		if now.Sub(f.ModTime) <= p.opts.HotWindow {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

func (p *Pipeline) enqueue(items []scheduler.WorkItem) map[scheduler.Result]int {
	results := make(map[scheduler.Result]int)
	for _, it := range items {
		results[p.deps.Queue.Enqueue(it)]++
	}
	return results
}

func (p *Pipeline) markCycle() cycleMark {
	return cycleMark{
		failures: p.counters.filesFailed.Load(),
		deferred: p.deps.Queue.Metrics().DeferredTotal,
	}
}

// maybeAdvanceHighWaterMark moves the mark to the start of the previous scan
// once everything that scan found has been committed: the queue is idle and
// nothing failed, was deferred or went unread since it began.
func (p *Pipeline) maybeAdvanceHighWaterMark(ctx context.Context) {
	p.mu.Lock()
	prev, mark := p.lastScan, p.cleanMark
	p.mu.Unlock()

	if prev.IsZero() || !p.deps.Queue.Idle() {
		return
	}
	now := p.markCycle()
	if mark.errors > 0 || now.failures != mark.failures || now.deferred != mark.deferred {
		return
	}
	if p.deps.Store.AdvanceHighWaterMark(prev) {
		contextutil.LoggerFromContext(ctx).DebugContext(ctx, "high-water mark advanced", "mark", prev)
		if err := p.saveState(ctx); err != nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to save state", "error", err)
		}
	}
}

func (p *Pipeline) saveState(ctx context.Context) error {
	if err := p.deps.Store.Save(ctx); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	p.counters.stateSaves.Add(1)
	return nil
}

// flushOnPressure is handed to the monitor so a hard memory stop persists progress first.
func (p *Pipeline) flushOnPressure(ctx context.Context) func() {
	return func() {
		logger := contextutil.LoggerFromContext(ctx)
		if err := p.saveState(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "failed to flush state under memory pressure", "error", err)
		}
		p.anomaly(ctx, ledger.AnomalyMemoryStop, "", fmt.Sprintf("memory %d MB", p.deps.Monitor.Snapshot().MemoryBytes>>20))
	}
}

func (p *Pipeline) anomaly(ctx context.Context, kind, path, detail string) {
	if err := p.deps.Anomalies.Record(context.WithoutCancel(ctx), kind, path, detail); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to record anomaly", "kind", kind, "path", path, "error", err)
	}
}

// detach returns a context that outlives ctx by at most grace, so work that
// has started can finish storing after a shutdown signal.
func detach(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-dctx.Done():
		}
	})
	return dctx, func() {
		stop()
		cancel()
	}
}
