package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ricirt/karnak/internal/consolidator"
	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	ItemsFetched       *prometheus.CounterVec
	FetchLatency       *prometheus.HistogramVec
	ItemsRouted        *prometheus.CounterVec
	ResultsDropped     *prometheus.CounterVec
	DeadLettered       *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	RowsConsolidated   prometheus.Counter
	ConsolidateBatches prometheus.Counter
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karnak_items_fetched_total",
			Help: "Fetch attempts by extractor and outcome.",
		}, []string{"extractor", "outcome"}),

		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "karnak_fetch_seconds",
			Help:    "Time spent in a single fetch attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"extractor"}),

		ItemsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karnak_items_routed_total",
			Help: "Processed items by extractor and routing action.",
		}, []string{"extractor", "action"}),

		ResultsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karnak_results_dropped_total",
			Help: "Results dropped because they exceeded the message size limit.",
		}, []string{"extractor"}),

		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karnak_dead_lettered_total",
			Help: "Undecodable messages moved to the dead-letter queue, by source queue.",
		}, []string{"queue"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "karnak_queue_depth",
			Help: "Messages held by a queue (available + in flight + delayed) at the last snapshot.",
		}, []string{"queue"}),

		RowsConsolidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "karnak_rows_consolidated_total",
			Help: "Rows appended to the sink by the consolidator.",
		}),
		ConsolidateBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "karnak_consolidate_batches_total",
			Help: "Batches drained from the results queue.",
		}),
	}

	reg.MustRegister(
		m.ItemsFetched,
		m.FetchLatency,
		m.ItemsRouted,
		m.ResultsDropped,
		m.DeadLettered,
		m.QueueDepth,
		m.RowsConsolidated,
		m.ConsolidateBatches,
	)

	return m
}

// WorkerHooks returns the metric callbacks expected by worker.Options.
// Centralises the prometheus observation calls so the worker stays import-free.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnFetched: func(extractor string, success bool, elapsed time.Duration) {
			outcome := "failure"
			if success {
				outcome = "success"
			}
			m.ItemsFetched.WithLabelValues(extractor, outcome).Inc()
			m.FetchLatency.WithLabelValues(extractor).Observe(elapsed.Seconds())
		},
		OnRouted: func(extractor string, action domain.Action) {
			m.ItemsRouted.WithLabelValues(extractor, string(action)).Inc()
		},
		OnDropped: func(extractor string) {
			m.ResultsDropped.WithLabelValues(extractor).Inc()
		},
		OnDeadLetter: m.onDeadLetter,
	}
}

// ObserveQueueSizes is the controller's snapshot hook.
func (m *Metrics) ObserveQueueSizes(sizes map[string]int) {
	for name, n := range sizes {
		m.QueueDepth.WithLabelValues(name).Set(float64(n))
	}
}

// ConsolidatorHooks returns the metric callbacks expected by consolidator.New.
func (m *Metrics) ConsolidatorHooks() consolidator.MetricHooks {
	return consolidator.MetricHooks{
		OnBatch: func(_, rows int) {
			m.ConsolidateBatches.Inc()
			m.RowsConsolidated.Add(float64(rows))
		},
		OnDeadLetter: m.onDeadLetter,
	}
}

func (m *Metrics) onDeadLetter(queue string) {
	m.DeadLettered.WithLabelValues(queue).Inc()
}
