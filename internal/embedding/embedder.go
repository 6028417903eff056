package embedding

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_embedder.go -package=mocks convo-indexer/internal/embedding Embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrEmptyInput is returned when there is nothing to embed.
	ErrEmptyInput = errors.New("empty input")
	// ErrDimensionMismatch is returned when a backend returns vectors of the wrong size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrBackendExhausted is returned once retries against the backend are used up.
	ErrBackendExhausted = errors.New("embedding backend exhausted retries")
)

// Embedder turns texts into vectors. Implementations return one vector per
// input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
}

// Intent selects the prefix applied before embedding.
type Intent int

const (
	IntentDocument Intent = iota
	IntentQuery
)

func (i Intent) String() string {
	if i == IntentQuery {
		return "query"
	}
	return "document"
}

// ComputeHash returns the cache key for a text embedded by the named backend.
func ComputeHash(backend, text string) string {
	h := sha256.New()
	h.Write([]byte(backend))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
