package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/resource"
)

// HealthChecker reports whether the vector store answers.
type HealthChecker interface {
	Health(ctx context.Context) (string, error)
}

// HealthHandler handles HTTP requests for health checks.
type HealthHandler struct {
	vectorStore        HealthChecker
	indexer            Indexer
	healthCheckTimeout time.Duration
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(vectorStore HealthChecker, idx Indexer) *HealthHandler {
	return &HealthHandler{
		vectorStore:        vectorStore,
		indexer:            idx,
		healthCheckTimeout: 5 * time.Second,
	}
}

// HealthResponse represents the health check response.
//
// swagger:model HealthResponse
type HealthResponse struct {
	// Overall health status: "healthy", "degraded", or "unhealthy"
	Status string `json:"status"`

	// Timestamp of the health check
	Timestamp string `json:"timestamp"`

	// Individual check results
	Checks map[string]string `json:"checks"`

	// List of issues (only present if status is degraded or unhealthy)
	Issues []string `json:"issues,omitempty"`
}

// ServeHTTP handles HTTP requests for health checks.
//
// An unreachable vector store is unhealthy (503). Memory over the hard limit
// or a deferred backlog only degrades the indexer and still returns 200.
//
// swagger:route GET /healthz healthCheck
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodGet {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string)
	var issues []string
	status := "healthy"
	httpStatus := http.StatusOK

	if version, ok := h.checkVectorStore(checkCtx, logger); ok {
		checks["vector_store"] = "ok " + version
	} else {
		checks["vector_store"] = "error"
		issues = append(issues, "vector_store_unavailable")
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if h.indexer != nil {
		st := h.indexer.Status()
		checks["memory"] = st.Budget.Pressure.String()
		if st.Budget.Pressure == resource.PressureCritical {
			issues = append(issues, "memory_over_limit")
			if status == "healthy" {
				status = "degraded"
			}
		}
		if st.Queue.Backlog > 0 {
			checks["queue"] = "backlog"
			issues = append(issues, "queue_backlog")
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["queue"] = "ok"
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Issues:    issues,
	}
	if err := writeJSON(w, httpStatus, response); err != nil {
		logger.ErrorContext(ctx, "failed to encode health response", "error", err)
	}
}

func (h *HealthHandler) checkVectorStore(ctx context.Context, logger *slog.Logger) (string, bool) {
	version, err := h.vectorStore.Health(ctx)
	if err != nil {
		logger.WarnContext(ctx, "vector store health check failed", "error", err)
		return "", false
	}
	return version, true
}
