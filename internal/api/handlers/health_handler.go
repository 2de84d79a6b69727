package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailflow/hub/internal/api/response"
)

// Pinger reports database reachability (satisfied by pgxpool.Pool).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check handles GET /health. The database is part of the check: a receiver
// that cannot persist notifications must not report healthy, or the load
// balancer keeps routing deliveries it can only drop.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		response.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
		})
		return
	}

	response.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
