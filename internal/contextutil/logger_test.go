package contextutil

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "worker")
	ctx := WithLogger(context.Background(), logger)

	LoggerFromContext(ctx).Info("processing file")
	assert.Contains(t, buf.String(), "component=worker")

	// A nil logger falls back rather than panicking at the call site.
	assert.Same(t, slog.Default(), LoggerFromContext(WithLogger(context.Background(), nil)))
}
