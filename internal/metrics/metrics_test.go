package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/metrics"
)

func TestWorkerHooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := m.WorkerHooks()

	h.OnFetched("default", true, 200*time.Millisecond)
	h.OnFetched("default", false, time.Millisecond)
	h.OnRouted("default", domain.ActionRetry)
	h.OnDropped("default")
	h.OnDeadLetter("karnak-default-any")

	if got := testutil.ToFloat64(m.ItemsFetched.WithLabelValues("default", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.ItemsFetched.WithLabelValues("default", "failure")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.ItemsRouted.WithLabelValues("default", "retry")); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.ResultsDropped.WithLabelValues("default")); got != 1 {
		t.Fatalf("expected 1 drop, got %v", got)
	}
	if got := testutil.ToFloat64(m.DeadLettered.WithLabelValues("karnak-default-any")); got != 1 {
		t.Fatalf("expected 1 dead letter, got %v", got)
	}
}

func TestObserveQueueSizes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.ObserveQueueSizes(map[string]int{"karnak-results": 7, "karnak-default-any": 0})

	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("karnak-results")); got != 7 {
		t.Fatalf("expected depth 7, got %v", got)
	}
	if n := testutil.CollectAndCount(m.QueueDepth); n != 2 {
		t.Fatalf("expected 2 series, got %d", n)
	}
}

func TestConsolidatorHooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := m.ConsolidatorHooks()
	h.OnBatch(50, 50)
	h.OnBatch(50, 49)
	h.OnBatch(20, 21)

	if got := testutil.ToFloat64(m.RowsConsolidated); got != 120 {
		t.Fatalf("expected 120 rows, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConsolidateBatches); got != 3 {
		t.Fatalf("expected 3 batches, got %v", got)
	}
}
