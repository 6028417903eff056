package vectorstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_vector_store.go -package=mocks convo-indexer/internal/vectorstore VectorStore

import (
	"context"
	"errors"
)

var (
	// ErrCollectionNotFound is returned when an operation targets a missing collection.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrVectorSizeMismatch is returned when an existing collection has a different vector size.
	ErrVectorSizeMismatch = errors.New("collection vector size mismatch")
	// ErrStoreExhausted is returned once retries against the store are used up.
	ErrStoreExhausted = errors.New("vector store exhausted retries")
)

// Point represents a vector point with metadata.
type Point struct {
	ID   string
	Vec  []float32
	Meta map[string]any
}

// CollectionInfo contains information about a collection.
type CollectionInfo struct {
	VectorSize  int    `json:"vector_size"`
	PointsCount int    `json:"points_count"`
	Status      string `json:"status"`
}

// VectorStore defines the interface for vector storage operations.
type VectorStore interface {
	// Upsert inserts or replaces points and returns once the store has applied them.
	Upsert(ctx context.Context, collection string, points []Point) error

	// CollectionExists checks if a collection exists.
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// CreateCollection creates a cosine collection. Creating one that already exists is not an error.
	CreateCollection(ctx context.Context, collection string, vectorSize int) error

	// CollectionInfo returns the vector size and point count of a collection.
	CollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error)

	// DeleteConversationFrom removes the points of a conversation with seq >= fromSeq.
	DeleteConversationFrom(ctx context.Context, collection, conversationID string, fromSeq int) error

	// Health returns the server version if it is reachable.
	Health(ctx context.Context) (string, error)
}
