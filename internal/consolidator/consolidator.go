package consolidator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/queue"
	"github.com/ricirt/karnak/internal/sink"
)

// HardCap bounds a single batch regardless of the requested batch size, so a
// misconfigured caller cannot hold an unbounded number of messages in flight.
const HardCap = 10_000

// MetricHooks are optional callbacks, nil = no-op.
type MetricHooks struct {
	OnBatch      func(messages, rows int)
	OnDeadLetter func(queue string)
}

// Stats summarises one Consolidate call.
type Stats struct {
	Batches      int `json:"batches"`
	Messages     int `json:"messages"`
	Rows         int `json:"rows"`
	DeadLettered int `json:"dead_lettered"`
}

// Consolidator drains the results queue into a Sink.
type Consolidator struct {
	queues queue.Service
	naming queue.Naming
	sink   sink.Sink
	hooks  MetricHooks
	logger *zap.Logger
}

func New(svc queue.Service, naming queue.Naming, s sink.Sink, hooks MetricHooks, logger *zap.Logger) *Consolidator {
	if hooks.OnBatch == nil {
		hooks.OnBatch = func(int, int) {}
	}
	if hooks.OnDeadLetter == nil {
		hooks.OnDeadLetter = func(string) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		queues: svc,
		naming: naming,
		sink:   s,
		hooks:  hooks,
		logger: logger.With(zap.String("queue", naming.ResultsQueueName())),
	}
}

// Consolidate drains at most the number of results present when it starts.
// Each batch is persisted before its messages are deleted; a sink error
// leaves the batch in flight so it is redelivered after the visibility
// timeout.
func (c *Consolidator) Consolidate(ctx context.Context, maxQueueItemsPerBatch, maxRowsPerFile int) (Stats, error) {
	var stats Stats
	if maxQueueItemsPerBatch <= 0 || maxRowsPerFile <= 0 {
		return stats, domain.ErrInvalidBatchSize
	}

	results := c.naming.ResultsQueueName()
	attrs, err := c.queues.Attributes(ctx, results)
	if err != nil {
		return stats, fmt.Errorf("results size: %w", err)
	}
	remaining := attrs.Total()
	if remaining == 0 {
		c.logger.Debug("nothing to consolidate")
		return stats, nil
	}

	for remaining > 0 {
		msgs, err := c.receiveBatch(ctx, min(remaining, HardCap, maxQueueItemsPerBatch))
		if err != nil {
			return stats, err
		}
		if len(msgs) == 0 {
			break
		}

		rows, dead := c.convert(msgs)
		for start := 0; start < len(rows); start += maxRowsPerFile {
			end := min(start+maxRowsPerFile, len(rows))
			if err := c.sink.Append(ctx, rows[start:end]); err != nil {
				return stats, fmt.Errorf("append rows: %w", err)
			}
		}

		// Dead letters go out only after the batch's rows are persisted.
		if len(dead) > 0 {
			if err := queue.SendAll(ctx, c.queues, c.naming.DeadLetterQueueName(), dead); err != nil {
				return stats, fmt.Errorf("dead letter results: %w", err)
			}
		}

		receipts := make([]string, len(msgs))
		for i, m := range msgs {
			receipts[i] = m.Receipt
		}
		if err := queue.DeleteAll(ctx, c.queues, results, receipts); err != nil {
			return stats, fmt.Errorf("delete consolidated results: %w", err)
		}

		for range dead {
			c.hooks.OnDeadLetter(results)
		}
		c.hooks.OnBatch(len(msgs), len(rows))

		stats.Batches++
		stats.Messages += len(msgs)
		stats.Rows += len(rows)
		stats.DeadLettered += len(dead)
		remaining -= len(msgs)

		c.logger.Info("consolidated batch",
			zap.Int("messages", len(msgs)),
			zap.Int("rows", len(rows)),
			zap.Int("dead_lettered", len(dead)),
			zap.Int("remaining", max(remaining, 0)),
		)
	}
	return stats, nil
}

// receiveBatch fills up to target messages; an empty receive ends the fill.
func (c *Consolidator) receiveBatch(ctx context.Context, target int) ([]queue.Message, error) {
	results := c.naming.ResultsQueueName()
	msgs := make([]queue.Message, 0, target)
	for len(msgs) < target {
		got, err := c.queues.Receive(ctx, results, min(queue.ReceiveLimit, target-len(msgs)), 0)
		if err != nil {
			return nil, fmt.Errorf("receive results: %w", err)
		}
		if len(got) == 0 {
			break
		}
		msgs = append(msgs, got...)
	}
	return msgs, nil
}

// convert decodes msgs into rows. Bodies that do not decode are returned as
// dead letters.
func (c *Consolidator) convert(msgs []queue.Message) ([]sink.Row, []string) {
	rows := make([]sink.Row, 0, len(msgs))
	var dead []string
	for _, m := range msgs {
		var r domain.FetchResult
		if err := json.Unmarshal([]byte(m.Body), &r); err != nil {
			c.logger.Error("undecodable result", zap.Error(err))
			dead = append(dead, m.Body)
			continue
		}
		row, err := ToRow(r)
		if err != nil {
			c.logger.Error("unusable result payload", zap.String("key", r.Item.Key), zap.Error(err))
			dead = append(dead, m.Body)
			continue
		}
		rows = append(rows, row)
	}
	return rows, dead
}

// ToRow flattens a result into a sink row. Object payloads contribute their
// fields; any other payload lands in the "result" column. Item metadata is
// written last and wins over payload fields of the same name.
func ToRow(r domain.FetchResult) (sink.Row, error) {
	payload, err := r.Payload()
	if err != nil {
		return nil, err
	}

	row := sink.Row{}
	switch p := payload.(type) {
	case nil:
	case map[string]any:
		for k, v := range p {
			row[k] = v
		}
	default:
		row["result"] = p
	}

	it := r.Item
	row[sink.ColumnKey] = it.Key
	row[sink.ColumnKeyProperty] = it.KeyProperty
	row[sink.ColumnTable] = it.Table
	row[sink.ColumnExtractor] = it.Extractor
	row["priority"] = nil
	if it.Priority != nil {
		row["priority"] = *it.Priority
	}
	row["cohort"] = nil
	if it.Cohort != nil {
		row["cohort"] = *it.Cohort
	}
	row["current_retries"] = it.CurrentRetries
	row[sink.ColumnIsSuccess] = r.IsSuccess
	row["can_retry"] = r.CanRetry
	row["error_type"] = nil
	if r.ErrorType != nil {
		row["error_type"] = *r.ErrorType
	}
	row["error_message"] = nil
	if r.ErrorMessage != nil {
		row["error_message"] = *r.ErrorMessage
	}
	row["elapsed_seconds"] = r.Elapsed.Seconds()
	row["fetch_errors"] = append([]string{}, it.FetchErrors...)
	return row, nil
}
