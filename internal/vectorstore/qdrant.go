package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"convo-indexer/internal/contextutil"
)

// Payload fields with an index.
const (
	FieldConversationID = "conversation_id"
	FieldProject        = "project"
	FieldSeq            = "seq"
)

// QdrantStore implements VectorStore using Qdrant.
type QdrantStore struct {
	client *qdrant.Client
}

// grpcTarget derives the gRPC endpoint from a Qdrant HTTP URL.
// The gRPC port is the HTTP port + 1 (6333 -> 6334).
func grpcTarget(urlStr string) (host string, port int, useTLS bool, err error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host = parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}

	port = 6334
	if parsedURL.Port() != "" {
		httpPort, err := strconv.Atoi(parsedURL.Port())
		if err == nil {
			port = httpPort + 1
		}
	}

	return host, port, parsedURL.Scheme == "https", nil
}

// NewQdrantStore creates a new Qdrant vector store client.
// urlStr should be in the format "http://host:port" (e.g., "http://localhost:6333").
func NewQdrantStore(urlStr, apiKey string) (*QdrantStore, error) {
	host, port, useTLS, err := grpcTarget(urlStr)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantStore{
		client: client,
	}, nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Upsert inserts or updates points in the collection and waits for the write.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		qdrantPoint := &qdrant.PointStruct{
			Id:      qdrant.NewID(point.ID),
			Vectors: qdrant.NewVectors(point.Vec...),
		}

		if len(point.Meta) > 0 {
			payload, err := qdrant.TryValueMap(normalizePayload(point.Meta))
			if err != nil {
				return fmt.Errorf("invalid payload for point %s: %w", point.ID, err)
			}
			qdrantPoint.Payload = payload
		}

		qdrantPoints = append(qdrantPoints, qdrantPoint)
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert points", "collection", collection, "count", len(points), "error", err)
		return fmt.Errorf("failed to upsert points: %w", classify(err, collection))
	}

	logger.DebugContext(ctx, "upserted points", "collection", collection, "count", len(points))
	return nil
}

// DeleteConversationFrom removes the points of one conversation from fromSeq on.
// A missing collection has nothing to delete.
func (s *QdrantStore) DeleteConversationFrom(ctx context.Context, collection, conversationID string, fromSeq int) error {
	logger := contextutil.LoggerFromContext(ctx)

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeyword(FieldConversationID, conversationID),
				qdrant.NewRange(FieldSeq, &qdrant.Range{Gte: qdrant.PtrOf(float64(fromSeq))}),
			},
		}),
	})
	if err != nil {
		err = classify(err, collection)
		if errors.Is(err, ErrCollectionNotFound) {
			return nil
		}
		logger.ErrorContext(ctx, "failed to delete points", "collection", collection, "conversation_id", conversationID, "from_seq", fromSeq, "error", err)
		return fmt.Errorf("failed to delete points: %w", err)
	}

	logger.InfoContext(ctx, "deleted conversation points", "collection", collection, "conversation_id", conversationID, "from_seq", fromSeq)
	return nil
}

// CollectionExists checks if a collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}
	return exists, nil
}

// CreateCollection creates a cosine collection with keyword indexes on the
// conversation and project fields and an integer index on seq.
func (s *QdrantStore) CreateCollection(ctx context.Context, collection string, vectorSize int) error {
	logger := contextutil.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "creating collection", "collection", collection, "vector_size", vectorSize)
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	indexes := []struct {
		field string
		kind  qdrant.FieldType
	}{
		{FieldConversationID, qdrant.FieldType_FieldTypeKeyword},
		{FieldProject, qdrant.FieldType_FieldTypeKeyword},
		{FieldSeq, qdrant.FieldType_FieldTypeInteger},
	}
	for _, idx := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			FieldName:      idx.field,
			FieldType:      idx.kind.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create %s index: %w", idx.field, err)
		}
	}

	logger.InfoContext(ctx, "collection created", "collection", collection, "vector_size", vectorSize)
	return nil
}

// CollectionInfo returns information about a collection including point count.
func (s *QdrantStore) CollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", classify(err, collection))
	}

	var vectorSize int
	if config := info.Config; config != nil && config.Params != nil {
		if vectorsConfig := config.Params.GetVectorsConfig(); vectorsConfig != nil {
			if params := vectorsConfig.GetParams(); params != nil {
				vectorSize = int(params.Size)
			}
		}
	}

	// PointsCount is a pointer to uint64
	var pointsCount int
	if info.PointsCount != nil {
		pointsCount = int(*info.PointsCount)
	}

	return &CollectionInfo{
		VectorSize:  vectorSize,
		PointsCount: pointsCount,
		Status:      strings.ToLower(info.Status.String()),
	}, nil
}

// Health returns the Qdrant server version.
func (s *QdrantStore) Health(ctx context.Context) (string, error) {
	reply, err := s.client.HealthCheck(ctx)
	if err != nil {
		return "", fmt.Errorf("qdrant health check failed: %w", err)
	}
	return reply.GetVersion(), nil
}

// classify maps a missing collection onto ErrCollectionNotFound.
func classify(err error, collection string) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound || strings.Contains(err.Error(), "doesn't exist") {
		return fmt.Errorf("%w: %s: %v", ErrCollectionNotFound, collection, err)
	}
	return err
}

// normalizePayload converts values the Qdrant value map does not accept.
func normalizePayload(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch val := v.(type) {
		case []string:
			list := make([]any, len(val))
			for i, s := range val {
				list[i] = s
			}
			out[k] = list
		case time.Time:
			if val.IsZero() {
				continue
			}
			out[k] = val.UTC().Format(time.RFC3339)
		case map[string]any:
			out[k] = normalizePayload(val)
		default:
			out[k] = v
		}
	}
	return out
}
