package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// ChainStatus reports the RPC endpoint currently in use.
type ChainStatus interface {
	Endpoint() string
	Healthy() bool
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	chain  ChainStatus
	mode   string
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. chain may be nil.
func NewHealthHandler(chain ChainStatus, mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{chain: chain, mode: mode, logger: logHandler(logger, "health")}
}

// HealthCheck responds with the process status and the active RPC endpoint.
// A degraded chain connection still answers 200 with status "degraded".
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"mode":      h.mode,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.chain != nil {
		resp["rpc_endpoint"] = h.chain.Endpoint()
		if !h.chain.Healthy() {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
