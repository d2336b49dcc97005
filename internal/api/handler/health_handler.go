package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler serves the liveness probe endpoint. When a check is given it
// also verifies the queue transport is reachable.
type HealthHandler struct {
	check func(ctx context.Context) error
}

func NewHealthHandler(check func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{check: check}
}

// Health handles GET /health
//
// @Summary  Liveness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.check(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
