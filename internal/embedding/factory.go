package embedding

import (
	"fmt"

	"convo-indexer/internal/config"
	"convo-indexer/internal/retry"
)

// NewBackend builds the configured backend.
func NewBackend(cfg *config.Config) (Embedder, error) {
	switch cfg.EmbeddingBackend {
	case config.BackendLocal:
		return NewLocalEmbedder(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModelName, cfg.VectorSize), nil
	case config.BackendRemote:
		if cfg.EmbeddingAPIKey == "" {
			return nil, fmt.Errorf("EMBEDDING_API_KEY is required for the remote backend")
		}
		return NewRemoteEmbedder(cfg.RemoteEmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModelName, cfg.VectorSize, cfg.EmbedRatePerMinute), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.EmbeddingBackend)
	}
}

// NewFromConfig builds the backend and wraps it in a Dispatcher.
func NewFromConfig(cfg *config.Config) (*Dispatcher, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return NewDispatcher(backend, DispatcherConfig{
		BatchSize:      cfg.EmbedBatchSize,
		Concurrency:    cfg.EmbedConcurrency,
		CacheSize:      cfg.EmbedCacheSize,
		DocumentPrefix: cfg.EmbedDocumentPrefix,
		QueryPrefix:    cfg.EmbedQueryPrefix,
		Retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	})
}
