package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"convo-indexer/internal/discovery"
	"convo-indexer/internal/indexer"
)

// Indexer is the part of the pipeline the HTTP surface reads and pokes.
type Indexer interface {
	Status() indexer.Status
	GetIndexingCoverageStats(ctx context.Context) (*indexer.IndexingCoverageStats, error)
	ScanOnce(ctx context.Context) (discovery.Report, error)
}

// ErrorResponse represents an error response.
//
// swagger:model ErrorResponse
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	_ = writeJSON(w, statusCode, ErrorResponse{Error: message})
}
