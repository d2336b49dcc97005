package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ricirt/karnak/internal/api/handler"
	apimw "github.com/ricirt/karnak/internal/api/middleware"
	"github.com/ricirt/karnak/internal/service"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	p *service.Pipeline,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	ph := handler.NewPipelineHandler(p, logger)
	qh := handler.NewQueuesHandler(p, logger)
	hh := handler.NewHealthHandler(p.Ping)

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", ph.GetState)
		r.Get("/queues", qh.GetQueues)
		r.Post("/kickoff", ph.Kickoff)
		r.Post("/consolidate", ph.Consolidate)
	})

	return r
}
