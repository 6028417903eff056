package handlers

import (
	"context"
	"net/http"
	"strconv"

	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/ledger"
)

// StatusHandler serves the live pipeline status.
type StatusHandler struct {
	indexer Indexer
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(idx Indexer) *StatusHandler {
	return &StatusHandler{indexer: idx}
}

// ServeHTTP writes queue depth, resource budget and progress counters.
//
// swagger:route GET /api/status status
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := writeJSON(w, http.StatusOK, h.indexer.Status()); err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode status", "error", err)
	}
}

// StatsHandler serves coverage statistics from the ledger.
type StatsHandler struct {
	indexer Indexer
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(idx Indexer) *StatsHandler {
	return &StatsHandler{indexer: idx}
}

// swagger:route GET /api/stats stats
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	stats, err := h.indexer.GetIndexingCoverageStats(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to compute coverage stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}
	if err := writeJSON(w, http.StatusOK, stats); err != nil {
		logger.ErrorContext(ctx, "failed to encode stats", "error", err)
	}
}

// AnomalyLister returns recorded anomalies, newest first.
type AnomalyLister interface {
	Recent(ctx context.Context, limit int) ([]ledger.Anomaly, error)
}

// AnomaliesHandler lists skipped lines, truncations and failed batches.
type AnomaliesHandler struct {
	anomalies AnomalyLister
}

// NewAnomaliesHandler creates a new AnomaliesHandler.
func NewAnomaliesHandler(anomalies AnomalyLister) *AnomaliesHandler {
	return &AnomaliesHandler{anomalies: anomalies}
}

const (
	defaultAnomalyLimit = 50
	maxAnomalyLimit     = 500
)

// swagger:route GET /api/anomalies anomalies
func (h *AnomaliesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	limit := defaultAnomalyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAnomalyLimit)
	}

	list, err := h.anomalies.Recent(ctx, limit)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list anomalies", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list anomalies")
		return
	}
	if list == nil {
		list = []ledger.Anomaly{}
	}
	if err := writeJSON(w, http.StatusOK, list); err != nil {
		logger.ErrorContext(ctx, "failed to encode anomalies", "error", err)
	}
}
