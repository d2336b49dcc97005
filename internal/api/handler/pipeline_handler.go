package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/ricirt/karnak/internal/api/middleware"
	"github.com/ricirt/karnak/internal/fetcher"
	"github.com/ricirt/karnak/internal/service"
)

// PipelineHandler exposes state, kickoff and consolidation.
type PipelineHandler struct {
	pipeline *service.Pipeline
	logger   *zap.Logger
}

func NewPipelineHandler(p *service.Pipeline, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{pipeline: p, logger: logger}
}

// KickoffRequest is the JSON body of POST /api/v1/kickoff.
type KickoffRequest struct {
	Table         string   `json:"table"`
	MaxKeys       int      `json:"max_keys"`
	AddKeys       []string `json:"add_keys"`
	Method        string   `json:"method"`
	Priority      *int     `json:"priority"`
	Cohort        string   `json:"cohort"`
	EmptyPriority *int     `json:"empty_priority"`
	Force         bool     `json:"force"`
}

func (k KickoffRequest) toService() service.KickoffRequest {
	return service.KickoffRequest{
		KickoffRequest: fetcher.KickoffRequest{
			KeyQuery: fetcher.KeyQuery{
				Table:   k.Table,
				MaxKeys: k.MaxKeys,
				AddKeys: k.AddKeys,
				Method:  k.Method,
			},
			Priority: k.Priority,
			Cohort:   k.Cohort,
		},
		EmptyPriority: k.EmptyPriority,
		Force:         k.Force,
	}
}

// GetState handles GET /api/v1/state
//
// @Summary  Fetcher state derived from queue sizes
// @Tags     pipeline
// @Produce  json
// @Success  200  {object}  service.StateReport
// @Router   /api/v1/state [get]
func (h *PipelineHandler) GetState(w http.ResponseWriter, r *http.Request) {
	report, err := h.pipeline.State(r.Context())
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Warn("state failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Kickoff handles POST /api/v1/kickoff
//
// @Summary     Enumerate keys and populate the work queues
// @Tags        pipeline
// @Accept      json
// @Produce     json
// @Param       body  body      KickoffRequest  true  "Kickoff parameters"
// @Success     202   {object}  map[string]any
// @Success     200   {object}  map[string]any  "No keys to fetch"
// @Failure     409   {object}  map[string]string
// @Failure     422   {object}  map[string]string
// @Router      /api/v1/kickoff [post]
func (h *PipelineHandler) Kickoff(w http.ResponseWriter, r *http.Request) {
	var req KickoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	queued, err := h.pipeline.Kickoff(r.Context(), req.toService())
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Warn("kickoff failed", zap.String("table", req.Table), zap.Error(err))
		mapError(w, err)
		return
	}
	if !queued {
		respondJSON(w, http.StatusOK, map[string]any{"queued": false, "reason": "no keys to fetch"})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

// Consolidate handles POST /api/v1/consolidate
//
// @Summary  Drain the results queue into the sink
// @Tags     pipeline
// @Produce  json
// @Success  200  {object}  consolidator.Stats
// @Failure  409  {object}  map[string]string
// @Router   /api/v1/consolidate [post]
func (h *PipelineHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Consolidate(r.Context())
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Warn("consolidate failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
