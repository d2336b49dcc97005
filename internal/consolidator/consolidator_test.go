package consolidator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricirt/karnak/internal/consolidator"
	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/queue"
	"github.com/ricirt/karnak/internal/sink"
)

type deleteCounter struct {
	*queue.Memory
	mu      sync.Mutex
	deleted int
}

func (d *deleteCounter) Delete(ctx context.Context, name string, receipts []string) error {
	d.mu.Lock()
	d.deleted += len(receipts)
	d.mu.Unlock()
	return d.Memory.Delete(ctx, name, receipts)
}

func setup(t *testing.T) (*deleteCounter, queue.Naming, *sink.Memory) {
	t.Helper()
	naming, err := queue.NewNaming("karnak", []string{"default"}, 0)
	require.NoError(t, err)
	return &deleteCounter{Memory: queue.NewMemory()}, naming, sink.NewMemory()
}

func resultBody(t *testing.T, key string, payload any) string {
	t.Helper()
	item := domain.NewQueueItem(key, "id", "securities").WithExtractor("default")
	r, err := domain.NewSuccess(item, payload, 250*time.Millisecond)
	require.NoError(t, err)
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return string(b)
}

func seedResults(t *testing.T, svc queue.Service, naming queue.Naming, n int) {
	t.Helper()
	bodies := make([]string, n)
	for i := range bodies {
		bodies[i] = resultBody(t, fmt.Sprintf("k%03d", i), map[string]any{"n": i})
	}
	require.NoError(t, queue.SendAll(context.Background(), svc, naming.ResultsQueueName(), bodies))
}

func size(t *testing.T, svc queue.Service, name string) int {
	t.Helper()
	a, err := svc.Attributes(context.Background(), name)
	require.NoError(t, err)
	return a.Total()
}

func TestConsolidate_DrainsInBoundedBatches(t *testing.T) {
	svc, naming, mem := setup(t)
	seedResults(t, svc, naming, 120)

	var batches []int
	c := consolidator.New(svc, naming, mem, consolidator.MetricHooks{
		OnBatch: func(messages, _ int) { batches = append(batches, messages) },
	}, nil)

	stats, err := c.Consolidate(context.Background(), 50, 1000)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 50, 20}, mem.Batches())
	assert.Equal(t, []int{50, 50, 20}, batches)
	assert.Equal(t, 120, svc.deleted)
	assert.Equal(t, consolidator.Stats{Batches: 3, Messages: 120, Rows: 120}, stats)
	assert.Equal(t, 0, size(t, svc, naming.ResultsQueueName()))
}

func TestConsolidate_SplitsAppendsByRowsPerFile(t *testing.T) {
	svc, naming, mem := setup(t)
	seedResults(t, svc, naming, 45)

	_, err := consolidator.New(svc, naming, mem, consolidator.MetricHooks{}, nil).
		Consolidate(context.Background(), 30, 20)
	require.NoError(t, err)

	assert.Equal(t, []int{20, 10, 15}, mem.Batches())
}

func TestConsolidate_EmptyQueueIsNoop(t *testing.T) {
	svc, naming, mem := setup(t)

	stats, err := consolidator.New(svc, naming, mem, consolidator.MetricHooks{}, nil).
		Consolidate(context.Background(), 50, 50)
	require.NoError(t, err)
	assert.Zero(t, stats)
	assert.Empty(t, mem.Batches())
}

func TestConsolidate_SinkFailureKeepsMessages(t *testing.T) {
	svc, naming, mem := setup(t)
	seedResults(t, svc, naming, 15)
	mem.FailWith(errors.New("disk full"))

	_, err := consolidator.New(svc, naming, mem, consolidator.MetricHooks{}, nil).
		Consolidate(context.Background(), 50, 50)
	require.Error(t, err)

	assert.Zero(t, svc.deleted)
	assert.Equal(t, 15, size(t, svc, naming.ResultsQueueName()))
}

// TestConsolidate_RedeliveryDedupsByKey simulates a crash between persist and
// delete: the same results are consolidated twice and collapse under
// DedupByKey.
func TestConsolidate_RedeliveryDedupsByKey(t *testing.T) {
	svc, naming, mem := setup(t)
	ctx := context.Background()
	bodies := []string{
		resultBody(t, "a", map[string]any{"v": 1}),
		resultBody(t, "b", map[string]any{"v": 1}),
	}
	require.NoError(t, svc.Send(ctx, naming.ResultsQueueName(), bodies))
	c := consolidator.New(svc, naming, mem, consolidator.MetricHooks{}, nil)
	_, err := c.Consolidate(ctx, 10, 10)
	require.NoError(t, err)

	require.NoError(t, svc.Send(ctx, naming.ResultsQueueName(), bodies))
	_, err = c.Consolidate(ctx, 10, 10)
	require.NoError(t, err)

	all := mem.Rows()
	assert.Len(t, all, 4)
	assert.Len(t, sink.DedupByKey(all), 2)
}

func TestConsolidate_DeadLettersUndecodable(t *testing.T) {
	svc, naming, mem := setup(t)
	ctx := context.Background()
	seedResults(t, svc, naming, 4)
	require.NoError(t, svc.Send(ctx, naming.ResultsQueueName(), []string{"garbage"}))

	var dead []string
	stats, err := consolidator.New(svc, naming, mem, consolidator.MetricHooks{
		OnDeadLetter: func(q string) { dead = append(dead, q) },
	}, nil).Consolidate(ctx, 50, 50)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Rows)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, []string{naming.ResultsQueueName()}, dead)
	assert.Equal(t, 0, size(t, svc, naming.ResultsQueueName()))

	msgs, err := svc.Receive(ctx, naming.DeadLetterQueueName(), 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "garbage", msgs[0].Body)
}

func TestConsolidate_SinkFailureDoesNotDeadLetterTwice(t *testing.T) {
	naming, err := queue.NewNaming("karnak", []string{"default"}, 0)
	require.NoError(t, err)
	svc := queue.NewMemory(queue.WithVisibilityTimeout(30 * time.Millisecond))
	mem := sink.NewMemory()
	ctx := context.Background()

	seedResults(t, svc, naming, 2)
	require.NoError(t, svc.Send(ctx, naming.ResultsQueueName(), []string{"garbage"}))
	c := consolidator.New(svc, naming, mem, consolidator.MetricHooks{}, nil)

	mem.FailWith(errors.New("disk full"))
	_, err = c.Consolidate(ctx, 50, 50)
	require.Error(t, err)
	assert.Equal(t, 0, size(t, svc, naming.DeadLetterQueueName()))

	// The failed batch comes back once its visibility timeout runs out.
	mem.FailWith(nil)
	require.Eventually(t, func() bool {
		a, err := svc.Attributes(ctx, naming.ResultsQueueName())
		return err == nil && a.Available == 3
	}, time.Second, 5*time.Millisecond)

	stats, err := c.Consolidate(ctx, 50, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 1, size(t, svc, naming.DeadLetterQueueName()))
	assert.Equal(t, 0, size(t, svc, naming.ResultsQueueName()))
}

func TestConsolidate_InvalidSizes(t *testing.T) {
	svc, naming, mem := setup(t)
	c := consolidator.New(svc, naming, mem, consolidator.MetricHooks{}, nil)

	_, err := c.Consolidate(context.Background(), 0, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidBatchSize)
	_, err = c.Consolidate(context.Background(), 10, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidBatchSize)
}

func TestToRow(t *testing.T) {
	item := domain.NewQueueItem("AAPL", "ticker", "securities").
		WithExtractor("default").
		WithPriority(domain.IntPtr(2)).
		WithCohort("nightly").
		Retried("timeout")

	t.Run("object payload", func(t *testing.T) {
		r, err := domain.NewSuccess(item, map[string]any{"price": 10.5, "key": "spoofed"}, 1500*time.Millisecond)
		require.NoError(t, err)

		row, err := consolidator.ToRow(r)
		require.NoError(t, err)
		assert.Equal(t, 10.5, row["price"])
		assert.Equal(t, "AAPL", row["key"])
		assert.Equal(t, "ticker", row["key_property"])
		assert.Equal(t, "securities", row["table"])
		assert.Equal(t, 2, row["priority"])
		assert.Equal(t, "nightly", row["cohort"])
		assert.Equal(t, 1, row["current_retries"])
		assert.Equal(t, true, row["is_success"])
		assert.Equal(t, 1.5, row["elapsed_seconds"])
		assert.Equal(t, []string{"timeout"}, row["fetch_errors"])
		assert.Nil(t, row["error_type"])
		assert.NotContains(t, row, "result")
	})

	t.Run("string payload", func(t *testing.T) {
		r, err := domain.NewSuccess(item, "<html/>", 0)
		require.NoError(t, err)
		row, err := consolidator.ToRow(r)
		require.NoError(t, err)
		assert.Equal(t, "<html/>", row["result"])
	})

	t.Run("failure", func(t *testing.T) {
		r := domain.NewFailure(item, "http", "404", false, 0)
		row, err := consolidator.ToRow(r)
		require.NoError(t, err)
		assert.Equal(t, false, row["is_success"])
		assert.Equal(t, "http", row["error_type"])
		assert.Equal(t, "404", row["error_message"])
		assert.NotContains(t, row, "result")
	})

	t.Run("compressed payload", func(t *testing.T) {
		r, err := domain.NewSuccess(item, map[string]any{"price": 3.0}, 0)
		require.NoError(t, err)
		c, err := r.Compressed()
		require.NoError(t, err)
		row, err := consolidator.ToRow(c)
		require.NoError(t, err)
		assert.Equal(t, 3.0, row["price"])
	})
}
