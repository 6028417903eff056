package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Embedding backends.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Collection naming modes.
const (
	CollectionModeProject = "project"
	CollectionModeSingle  = "single"
)

// Config holds all configuration for the indexer.
type Config struct {
	LogLevel  slog.Level
	LogFormat string `validate:"oneof=text json"`

	WatchRoots  []string `validate:"min=1,dive,required"`
	FilePattern string   `validate:"required"`
	StatePath   string   `validate:"required"`
	LedgerPath  string   `validate:"required"`

	QdrantURL        string `validate:"required,url"`
	QdrantAPIKey     string
	CollectionMode   string `validate:"oneof=project single"`
	QdrantCollection string `validate:"required"`
	CollectionPrefix string `validate:"required"`

	EmbeddingBackend       string `validate:"oneof=local remote"`
	EmbeddingBaseURL       string `validate:"required,url"`
	EmbeddingModelName     string `validate:"required"`
	EmbeddingAPIKey        string
	RemoteEmbeddingBaseURL string `validate:"required,url"`
	VectorSize             int    `validate:"gt=0"`
	EmbedBatchSize         int    `validate:"gt=0,lte=256"`
	EmbedConcurrency       int    `validate:"gte=1,lte=4"`
	EmbedRatePerMinute     int    `validate:"gte=0"`
	EmbedCacheSize         int    `validate:"gte=0"`
	EmbedDocumentPrefix    string
	EmbedQueryPrefix       string

	HotWindow           time.Duration `validate:"gt=0"`
	WarmWindow          time.Duration `validate:"gt=0"`
	StarvationThreshold time.Duration `validate:"gt=0"`
	QueueCapacity       int           `validate:"gt=0"`
	MaxColdPerCycle     int           `validate:"gt=0"`
	HotCheckInterval    time.Duration `validate:"gt=0"`
	ScanInterval        time.Duration `validate:"gt=0"`

	MaxCPUPercent   float64       `validate:"gt=0,lte=100"`
	CPUCores        float64       `validate:"gte=0"`
	MemoryWarningMB int           `validate:"gte=0"`
	MemoryLimitMB   int           `validate:"gte=0"`
	MonitorInterval time.Duration `validate:"gt=0"`
	MaxThrottle     time.Duration `validate:"gt=0"`

	ChunkTokens     int    `validate:"gte=32"`
	ChunkOverlap    int    `validate:"gte=0"`
	Tokenizer       string `validate:"oneof=tiktoken words"`
	MaxBytesPerPass int64  `validate:"gt=0"`
	MaxLineBytes    int    `validate:"gt=0"`

	RetryMaxAttempts    int           `validate:"gte=1"`
	RetryBaseDelay      time.Duration `validate:"gt=0"`
	RetryMaxDelay       time.Duration `validate:"gt=0"`
	StoreAttemptTimeout time.Duration `validate:"gt=0"`
	StoreConcurrency    int           `validate:"gte=1,lte=8"`
	ExistsCacheTTL      time.Duration `validate:"gt=0"`

	StatusAddr string
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates the result.
// If a .env file exists in the current directory or one of its parents, it will be loaded automatically.
// Environment variables already set take precedence over .env file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ { // Limit search depth
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break // Reached filesystem root
			}
			dir = parent
		}
	}

	p := &parser{}

	backend := strings.ToLower(getEnv("EMBEDDING_BACKEND", BackendLocal))
	defaultModel := "all-MiniLM-L6-v2"
	defaultSize := "384"
	if backend == BackendRemote {
		defaultModel = "text-embedding-3-small"
		defaultSize = "1536"
	}

	cfg := &Config{
		LogLevel:  p.level("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		WatchRoots:  p.paths("WATCH_ROOTS", defaultWatchRoot()),
		FilePattern: getEnv("FILE_PATTERN", "*.jsonl"),
		StatePath:   getEnv("STATE_PATH", "./data/indexer-state.json"),
		LedgerPath:  getEnv("LEDGER_PATH", "./data/ledger.db"),

		QdrantURL:        getEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:     getEnv("QDRANT_API_KEY", ""),
		CollectionMode:   strings.ToLower(getEnv("COLLECTION_MODE", CollectionModeProject)),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "conversations"),
		CollectionPrefix: getEnv("COLLECTION_PREFIX", "conv"),

		EmbeddingBackend:       backend,
		EmbeddingBaseURL:       getEnv("EMBEDDING_BASE_URL", "http://localhost:8081"),
		EmbeddingModelName:     getEnv("EMBEDDING_MODEL_NAME", defaultModel),
		EmbeddingAPIKey:        getEnv("EMBEDDING_API_KEY", ""),
		RemoteEmbeddingBaseURL: getEnv("REMOTE_EMBEDDING_BASE_URL", "https://api.openai.com/v1/"),
		VectorSize:             p.integer("VECTOR_SIZE", defaultSize),
		EmbedBatchSize:         p.integer("EMBED_BATCH_SIZE", "16"),
		EmbedConcurrency:       p.integer("EMBED_CONCURRENCY", "2"),
		EmbedRatePerMinute:     p.integer("EMBED_RATE_PER_MINUTE", "0"),
		EmbedCacheSize:         p.integer("EMBED_CACHE_SIZE", "2048"),
		EmbedDocumentPrefix:    getEnv("EMBED_DOCUMENT_PREFIX", ""),
		EmbedQueryPrefix:       getEnv("EMBED_QUERY_PREFIX", ""),

		HotWindow:           p.duration("HOT_WINDOW", "5m"),
		WarmWindow:          p.duration("WARM_WINDOW", "24h"),
		StarvationThreshold: p.duration("STARVATION_THRESHOLD", "30m"),
		QueueCapacity:       p.integer("QUEUE_CAPACITY", "100"),
		MaxColdPerCycle:     p.integer("MAX_COLD_PER_CYCLE", "5"),
		HotCheckInterval:    p.duration("HOT_CHECK_INTERVAL", "2s"),
		ScanInterval:        p.duration("SCAN_INTERVAL", "60s"),

		MaxCPUPercent:   p.float("MAX_CPU_PERCENT", "50"),
		CPUCores:        p.float("CPU_CORES", "0"),
		MemoryWarningMB: p.integer("MEMORY_WARNING_MB", "0"),
		MemoryLimitMB:   p.integer("MEMORY_LIMIT_MB", "0"),
		MonitorInterval: p.duration("MONITOR_INTERVAL", "1s"),
		MaxThrottle:     p.duration("MAX_THROTTLE", "5s"),

		ChunkTokens:     p.integer("CHUNK_TOKENS", "400"),
		ChunkOverlap:    p.integer("CHUNK_OVERLAP", "75"),
		Tokenizer:       strings.ToLower(getEnv("TOKENIZER", "tiktoken")),
		MaxBytesPerPass: int64(p.integer("MAX_BYTES_PER_PASS", strconv.Itoa(8<<20))),
		MaxLineBytes:    p.integer("MAX_LINE_BYTES", strconv.Itoa(32<<20)),

		RetryMaxAttempts:    p.integer("RETRY_MAX_ATTEMPTS", "5"),
		RetryBaseDelay:      p.duration("RETRY_BASE_DELAY", "500ms"),
		RetryMaxDelay:       p.duration("RETRY_MAX_DELAY", "30s"),
		StoreAttemptTimeout: p.duration("STORE_ATTEMPT_TIMEOUT", "10s"),
		StoreConcurrency:    p.integer("STORE_CONCURRENCY", "2"),
		ExistsCacheTTL:      p.duration("EXISTS_CACHE_TTL", "30s"),

		StatusAddr: getEnv("STATUS_ADDR", ":9464"),
	}

	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create data directories for the state file and the ledger
	for _, path := range []string{cfg.StatePath, cfg.LedgerPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks field constraints and the relationships between fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.ChunkOverlap*2 >= c.ChunkTokens {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be less than half of CHUNK_TOKENS (%d)", c.ChunkOverlap, c.ChunkTokens)
	}
	if c.HotWindow >= c.WarmWindow {
		return fmt.Errorf("HOT_WINDOW (%s) must be shorter than WARM_WINDOW (%s)", c.HotWindow, c.WarmWindow)
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		return fmt.Errorf("RETRY_BASE_DELAY (%s) must not exceed RETRY_MAX_DELAY (%s)", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.MemoryLimitMB > 0 && c.MemoryWarningMB >= c.MemoryLimitMB {
		return fmt.Errorf("MEMORY_WARNING_MB (%d) must be below MEMORY_LIMIT_MB (%d)", c.MemoryWarningMB, c.MemoryLimitMB)
	}
	if c.EmbeddingBackend == BackendRemote && c.EmbeddingAPIKey == "" {
		return fmt.Errorf("EMBEDDING_API_KEY is required for the remote embedding backend")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// defaultWatchRoot is where Claude-style assistants keep per-project conversation logs.
func defaultWatchRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// parser converts typed environment values and keeps the first error.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s has invalid value %q: %w", key, value, err)
	}
}

func (p *parser) integer(key, def string) int {
	raw := getEnv(key, def)
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return v
}

func (p *parser) float(key, def string) float64 {
	raw := getEnv(key, def)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
	}
	return v
}

func (p *parser) duration(key, def string) time.Duration {
	raw := getEnv(key, def)
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return v
}

func (p *parser) level(key, def string) slog.Level {
	raw := getEnv(key, def)
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		p.fail(key, raw, err)
	}
	return lvl
}

func (p *parser) paths(key, def string) []string {
	raw := getEnv(key, def)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				part = filepath.Join(home, part[2:])
			}
		}
		out = append(out, filepath.Clean(part))
	}
	return out
}
