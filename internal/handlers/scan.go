package handlers

import (
	"context"
	"net/http"

	"convo-indexer/internal/contextutil"
)

// ScanHandler triggers a full discovery scan outside the regular interval.
type ScanHandler struct {
	indexer Indexer
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(idx Indexer) *ScanHandler {
	return &ScanHandler{indexer: idx}
}

// ScanResponse represents the response from the scan endpoint.
type ScanResponse struct {
	Message    string         `json:"message"`
	Status     string         `json:"status"`
	Seen       int            `json:"seen,omitempty"`
	Candidates int            `json:"candidates,omitempty"`
	Truncated  int            `json:"truncated,omitempty"`
	Errors     int            `json:"errors,omitempty"`
	ByTier     map[string]int `json:"by_tier,omitempty"`
}

// ServeHTTP starts a scan. With wait=true the scan runs inline and the
// report is returned; otherwise it runs in the background and 202 is returned.
//
// swagger:route POST /api/scan scan
func (h *ScanHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodPost {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		report, err := h.indexer.ScanOnce(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "scan failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Scan failed")
			return
		}
		resp := ScanResponse{
			Message:    "Scan complete.",
			Status:     "done",
			Seen:       report.Seen,
			Candidates: report.Candidates,
			Truncated:  report.Truncated,
			Errors:     report.Errors,
		}
		if len(report.ByTier) > 0 {
			resp.ByTier = make(map[string]int, len(report.ByTier))
			for tier, n := range report.ByTier {
				resp.ByTier[tier.String()] = n
			}
		}
		_ = writeJSON(w, http.StatusOK, resp)
		return
	}

	logger.InfoContext(ctx, "scan triggered via API")

	// The scan outlives the request.
	scanCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := h.indexer.ScanOnce(scanCtx); err != nil {
			logger.ErrorContext(scanCtx, "triggered scan failed", "error", err)
		}
	}()

	_ = writeJSON(w, http.StatusAccepted, ScanResponse{
		Message: "Scan started. Check /api/status for progress.",
		Status:  "accepted",
	})
}
