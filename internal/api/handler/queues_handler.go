package handler

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	apimw "github.com/ricirt/karnak/internal/api/middleware"
	"github.com/ricirt/karnak/internal/service"
)

// QueuesHandler serves a human-readable JSON queue snapshot.
// Raw Prometheus metrics are available at /metrics via promhttp and are
// separate from this endpoint.
type QueuesHandler struct {
	pipeline *service.Pipeline
	logger   *zap.Logger
}

func NewQueuesHandler(p *service.Pipeline, logger *zap.Logger) *QueuesHandler {
	return &QueuesHandler{pipeline: p, logger: logger}
}

type queueDepth struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// GetQueues handles GET /api/v1/queues
//
// @Summary  Queue depth snapshot
// @Tags     pipeline
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/queues [get]
func (h *QueuesHandler) GetQueues(w http.ResponseWriter, r *http.Request) {
	report, err := h.pipeline.State(r.Context())
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Warn("queue snapshot failed", zap.Error(err))
		mapError(w, err)
		return
	}

	queues := make([]queueDepth, 0, len(report.Queues))
	total := 0
	for name, n := range report.Queues {
		queues = append(queues, queueDepth{Name: name, Depth: n})
		total += n
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })

	respondJSON(w, http.StatusOK, map[string]any{
		"queues": queues,
		"total":  total,
	})
}
