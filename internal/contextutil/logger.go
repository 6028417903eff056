// Package contextutil carries the component logger through contexts so
// request handlers and pipeline stages log with their own attributes.
package contextutil

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// LoggerFromContext returns the logger stored by WithLogger, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}
