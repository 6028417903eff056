package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"convo-indexer/internal/handlers"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Indexer     handlers.Indexer
	VectorStore handlers.HealthChecker
	Anomalies   handlers.AnomalyLister
}

// NewRouter creates the status router: health, live status, coverage stats,
// anomalies and a manual scan trigger.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggerMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	health := handlers.NewHealthHandler(deps.VectorStore, deps.Indexer)
	r.Method(http.MethodGet, "/healthz", health)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", health)
		r.Method(http.MethodGet, "/status", handlers.NewStatusHandler(deps.Indexer))
		r.Method(http.MethodGet, "/stats", handlers.NewStatsHandler(deps.Indexer))
		r.Method(http.MethodGet, "/anomalies", handlers.NewAnomaliesHandler(deps.Anomalies))
		r.Method(http.MethodPost, "/scan", handlers.NewScanHandler(deps.Indexer))
	})

	return r
}
