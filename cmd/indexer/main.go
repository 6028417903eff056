package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"convo-indexer/internal/config"
)

// cfg is loaded once before any command runs.
var cfg *config.Config

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convo-indexer",
		Short: "Continuously index conversation logs into a vector store",
		Long: "convo-indexer watches directories of append-only JSONL conversation logs, " +
			"chunks new turns and stores their embeddings in Qdrant. Progress is kept in a " +
			"state file so a restart resumes where the last run stopped.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			cfg = loaded
			setupLogging(cfg)

			if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
				slog.Debug(fmt.Sprintf(format, args...))
			})); err != nil {
				slog.Warn("failed to set GOMAXPROCS from cgroup", "error", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexer(cmd.Context())
		},
	}
	cmd.AddCommand(runCmd())
	cmd.AddCommand(scanCmd())
	cmd.AddCommand(stateCmd())
	return cmd
}

// setupLogging configures structured logging with the configured level and format.
func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)
}
