package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convo-indexer/internal/chunker"
	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/discovery"
	"convo-indexer/internal/embedding"
	"convo-indexer/internal/http"
	"convo-indexer/internal/indexer"
	"convo-indexer/internal/ledger"
	"convo-indexer/internal/resource"
	"convo-indexer/internal/retry"
	"convo-indexer/internal/scheduler"
	"convo-indexer/internal/state"
	"convo-indexer/internal/vectorstore"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the indexer until interrupted (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexer(cmd.Context())
		},
	}
}

func runIndexer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	ctx = contextutil.WithLogger(ctx, logger)

	db, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	if err := ledger.Migrate(db); err != nil {
		return fmt.Errorf("failed to run ledger migrations: %w", err)
	}
	chunkRepo := ledger.NewChunkRepo(db)
	anomalyRepo := ledger.NewAnomalyRepo(db)
	logger.Info("Ledger initialized", "path", cfg.LedgerPath, "driver", ledger.DriverName, "build", ledger.BuildMode)

	store := state.NewStore(cfg.StatePath)
	if err := store.Load(ctx); err != nil {
		if !errors.Is(err, state.ErrCorrupt) {
			return err
		}
		// Corrupt state: every file is unseen again and gets reprocessed.
		logger.Error("STATE FILE CORRUPT, starting from an empty state and re-indexing everything",
			"path", cfg.StatePath,
			"error", err,
		)
		if rerr := anomalyRepo.Record(ctx, ledger.AnomalyCorruptState, cfg.StatePath, err.Error()); rerr != nil {
			logger.Warn("failed to record anomaly", "error", rerr)
		}
	}
	summary := store.Snapshot().Summarize()
	logger.Info("State loaded", "path", cfg.StatePath, "files", summary.Files, "high_water_mark", summary.HighWaterMark)

	monitor, err := newMonitor(ctx)
	if err != nil {
		return err
	}

	scanner := discovery.NewScanner(discovery.Config{
		Roots:      cfg.WatchRoots,
		Pattern:    cfg.FilePattern,
		HotWindow:  cfg.HotWindow,
		WarmWindow: cfg.WarmWindow,
	})
	watcher, err := discovery.NewWatcher(ctx, scanner)
	if err != nil {
		logger.Warn("file watcher unavailable, polling recently active files instead", "error", err)
		watcher = nil
	} else {
		defer func() {
			_ = watcher.Close()
		}()
	}

	queue := scheduler.NewQueue(scheduler.Config{
		Capacity:            cfg.QueueCapacity,
		MaxColdPerCycle:     cfg.MaxColdPerCycle,
		StarvationThreshold: cfg.StarvationThreshold,
	})

	dispatcher, err := embedding.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	if err := checkEmbedder(ctx, dispatcher); err != nil {
		return err
	}

	qdrant, err := vectorstore.NewQdrantStore(cfg.QdrantURL, cfg.QdrantAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	defer func() {
		_ = qdrant.Close()
	}()
	if version, err := qdrant.Health(ctx); err != nil {
		logger.Warn("Qdrant not reachable yet, writes will retry", "url", cfg.QdrantURL, "error", err)
	} else {
		logger.Info("Qdrant reachable", "url", cfg.QdrantURL, "version", version)
	}

	writer := vectorstore.NewWriter(qdrant, vectorstore.WriterConfig{
		VectorSize:     cfg.VectorSize,
		Concurrency:    cfg.StoreConcurrency,
		AttemptTimeout: cfg.StoreAttemptTimeout,
		ExistsTTL:      cfg.ExistsCacheTTL,
		Retry:          retryPolicy(),
	})

	tokenizer, err := chunker.NewTokenizer(cfg.Tokenizer)
	if err != nil {
		return err
	}

	pipeline, err := indexer.NewPipeline(indexer.Deps{
		Store:     store,
		Scanner:   scanner,
		Watcher:   watcher,
		Queue:     queue,
		Monitor:   monitor,
		Embedder:  dispatcher,
		Writer:    writer,
		Chunks:    chunkRepo,
		Anomalies: anomalyRepo,
	}, indexer.Options{
		Chunking:  chunker.Config{Budget: cfg.ChunkTokens, Overlap: cfg.ChunkOverlap},
		Tokenizer: tokenizer,
		Collections: vectorstore.CollectionNamer{
			Mode:    cfg.CollectionMode,
			Name:    cfg.QdrantCollection,
			Prefix:  cfg.CollectionPrefix,
			Backend: dispatcher.Name(),
		},
		EmbedBatchSize:   cfg.EmbedBatchSize,
		MaxBytesPerPass:  cfg.MaxBytesPerPass,
		MaxLineBytes:     cfg.MaxLineBytes,
		HotWindow:        cfg.HotWindow,
		HotCheckInterval: cfg.HotCheckInterval,
		ScanInterval:     cfg.ScanInterval,
		ShutdownGrace:    cfg.StoreAttemptTimeout * time.Duration(cfg.RetryMaxAttempts),
	})
	if err != nil {
		return err
	}

	if cfg.StatusAddr != "" {
		srv := &nethttp.Server{
			Addr: cfg.StatusAddr,
			Handler: http.NewRouter(&http.Deps{
				Indexer:     pipeline,
				VectorStore: qdrant,
				Anomalies:   anomalyRepo,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Starting status server", "addr", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("Indexer starting",
		"roots", cfg.WatchRoots,
		"embedder", dispatcher.Name(),
		"collection_mode", cfg.CollectionMode,
		"chunk_tokens", cfg.ChunkTokens,
		"chunk_overlap", cfg.ChunkOverlap,
		"tokenizer", tokenizer.Name(),
	)
	if err := pipeline.Run(ctx); err != nil {
		return err
	}

	st := pipeline.Status()
	logger.Info("Indexer stopped",
		"files_processed", st.Counters.FilesProcessed,
		"chunks_stored", st.Counters.ChunksStored,
		"embedder_stats", dispatcher.Stats(),
		"writer_stats", writer.Stats(),
	)
	return nil
}

func newMonitor(ctx context.Context) (*resource.Monitor, error) {
	logger := contextutil.LoggerFromContext(ctx)

	sampler, err := resource.NewProcessSampler(ctx)
	if err != nil {
		return nil, err
	}

	warning, limit, source, err := resource.MemoryLimits(ctx, cfg.MemoryWarningMB, cfg.MemoryLimitMB)
	if err != nil {
		logger.Warn("memory limits unknown, memory pressure checks disabled", "error", err)
	}

	cores := cfg.CPUCores
	if cores <= 0 {
		// GOMAXPROCS already reflects the cgroup CPU quota.
		cores = float64(runtime.GOMAXPROCS(0))
	}
	logger.Info("Resource limits",
		"cores", cores,
		"max_cpu_percent", cfg.MaxCPUPercent,
		"memory_warning_mb", warning>>20,
		"memory_limit_mb", limit>>20,
		"memory_limit_source", source,
	)

	return resource.NewMonitor(resource.Config{
		MaxCPUPercent: cfg.MaxCPUPercent,
		Cores:         cores,
		WarningBytes:  warning,
		LimitBytes:    limit,
		Interval:      cfg.MonitorInterval,
		MaxThrottle:   cfg.MaxThrottle,
	}, sampler), nil
}

// checkEmbedder fails fast on a dimension mismatch. An unreachable backend is
// only logged since batches retry and files stay queued.
func checkEmbedder(ctx context.Context, d *embedding.Dispatcher) error {
	logger := contextutil.LoggerFromContext(ctx)
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	vec, err := d.EmbedQuery(checkCtx, "ping")
	switch {
	case errors.Is(err, embedding.ErrDimensionMismatch):
		return fmt.Errorf("embedding backend %s does not produce %d-dimensional vectors: %w", d.Name(), cfg.VectorSize, err)
	case err != nil:
		logger.Warn("embedding backend not reachable yet", "backend", d.Name(), "error", err)
	default:
		logger.Info("Embedding backend validated", "backend", d.Name(), "vector_size", len(vec))
	}
	return nil
}

func retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
}
