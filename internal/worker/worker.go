package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/queue"
)

const minErrorPause = 100 * time.Millisecond

// worker is a single goroutine of a Pool. It has no state of its own beyond
// its logger; everything shared lives on the pool.
type worker struct {
	id     int
	pool   *Pool
	logger *zap.Logger
}

// run loops until the pool goes idle or ctx is cancelled. Transport errors
// end the current iteration only.
func (w *worker) run(ctx context.Context) {
	p := w.pool
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopping")

	for ctx.Err() == nil && p.Working() {
		state, _, err := p.controller.State(ctx, nil)
		if err != nil {
			w.logger.Warn("fetcher state failed", zap.Error(err))
			w.pause(ctx)
			continue
		}
		if state != domain.StateWorking {
			p.idle("fetcher " + string(state))
			return
		}

		item, err := p.PopBestWorkQueueItem(ctx, p.wait)
		if err != nil {
			w.logger.Warn("poll failed", zap.Error(err))
			w.pause(ctx)
			continue
		}
		if item == nil {
			p.idle("no work")
			return
		}

		if _, err := p.ProcessItem(ctx, *item); err != nil {
			w.logger.Error("process item failed",
				zap.String("key", item.Key),
				zap.String("queue", item.Handle.Queue),
				zap.Error(err),
			)
		}
	}
}

func (w *worker) pause(ctx context.Context) {
	d := max(w.pool.wait, minErrorPause)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// PopBestWorkQueueItem returns the most urgent item available to this pool.
// The first pass skips queues recently seen empty and does not wait; the
// second pass long-polls every queue for up to wait. nil means no work.
func (p *Pool) PopBestWorkQueueItem(ctx context.Context, wait time.Duration) (*domain.QueueItem, error) {
	priorities := p.controller.Priorities()
	naming := p.controller.Naming()

	for _, pr := range priorities {
		if p.cache.RecentlyEmpty(naming.WorkQueueName(p.extractor, pr)) {
			continue
		}
		item, err := p.PopWorkQueueItem(ctx, pr, 0)
		if err != nil || item != nil {
			return item, err
		}
	}

	for _, pr := range priorities {
		item, err := p.PopWorkQueueItem(ctx, pr, wait)
		if err != nil || item != nil {
			return item, err
		}
	}
	return nil, nil
}

// PopWorkQueueItem receives at most one item from the (extractor, priority)
// queue. An empty receive marks the queue in the cache. A body that does not
// decode is moved to the dead-letter queue and nil is returned.
func (p *Pool) PopWorkQueueItem(ctx context.Context, priority *int, wait time.Duration) (*domain.QueueItem, error) {
	name := p.controller.Naming().WorkQueueName(p.extractor, priority)
	msgs, err := p.controller.Queues().Receive(ctx, name, 1, wait)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", name, err)
	}
	if len(msgs) == 0 {
		p.cache.MarkEmpty(name)
		return nil, nil
	}
	p.cache.Clear(name)

	msg := msgs[0]
	var item domain.QueueItem
	if err := json.Unmarshal([]byte(msg.Body), &item); err != nil {
		p.logger.Error("undecodable work item",
			zap.String("queue", name),
			zap.Error(err),
		)
		return nil, p.deadLetter(ctx, name, msg)
	}
	item.Handle = domain.Handle{Queue: name, Receipt: msg.Receipt}
	return &item, nil
}

// deadLetter parks body on the dead-letter queue, then removes it from its
// source so it is not redelivered.
func (p *Pool) deadLetter(ctx context.Context, source string, msg queue.Message) error {
	dlq := p.controller.Naming().DeadLetterQueueName()
	svc := p.controller.Queues()
	if err := svc.Send(ctx, dlq, []string{msg.Body}); err != nil {
		return fmt.Errorf("dead letter from %s: %w", source, err)
	}
	if err := svc.Delete(ctx, source, []string{msg.Receipt}); err != nil {
		return fmt.Errorf("delete dead letter from %s: %w", source, err)
	}
	p.hooks.OnDeadLetter(source)
	return nil
}

// ProcessItem fetches item and routes the outcome. It returns the action
// taken; ActionComplete means the fetch succeeded.
func (p *Pool) ProcessItem(ctx context.Context, item domain.QueueItem) (domain.Action, error) {
	if item.Handle.IsZero() {
		return "", domain.ErrMissingHandle
	}
	log := p.logger.With(
		zap.String("key", item.Key),
		zap.String("queue", item.Handle.Queue),
	)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, p.extractor); err != nil {
			// Left in flight; the visibility timeout hands it back.
			return "", err
		}
	}

	result := p.controller.Fetcher().Fetch(ctx, item)
	result.Handle = item.Handle
	p.hooks.OnFetched(p.extractor, result.IsSuccess, result.Elapsed)

	if result.IsSuccess {
		return p.routed(domain.ActionComplete, p.complete(ctx, result, log))
	}

	decision := p.controller.Fetcher().DecideFailureAction(result)
	log = log.With(zap.String("action", string(decision.Action)), zap.String("error", result.ErrorText()))

	switch decision.Action {
	case domain.ActionIgnore:
		log.Debug("returning item to queue")
		err := p.controller.Queues().Return(ctx, item.Handle.Queue, item.Handle.Receipt)
		return p.routed(domain.ActionIgnore, err)

	case domain.ActionRetry:
		next := item.Retried(result.ErrorText())
		if decision.Extractor != "" {
			next = next.WithExtractor(decision.Extractor)
		}
		if decision.Priority != nil {
			next = next.WithPriority(decision.Priority)
		}
		if err := p.checkRoute(next); err != nil {
			log.Error("retry route rejected, aborting item", zap.Error(err))
			return p.routed(domain.ActionAbort, p.complete(ctx, result, log))
		}
		if err := p.requeue(ctx, next); err != nil {
			return "", err
		}
		log.Info("item retried",
			zap.String("next_extractor", next.Extractor),
			zap.String("next_priority", domain.PriorityLabel(next.Priority)),
			zap.Int("retries", next.CurrentRetries),
		)
		return p.routed(domain.ActionRetry, p.delete(ctx, item.Handle))

	case domain.ActionRestart:
		fresh := item.Restarted(decision.Extractor)
		if err := p.checkRoute(fresh); err != nil {
			log.Error("restart route rejected, aborting item", zap.Error(err))
			return p.routed(domain.ActionAbort, p.complete(ctx, result, log))
		}
		if err := p.requeue(ctx, fresh); err != nil {
			return "", err
		}
		log.Info("item restarted", zap.String("next_extractor", fresh.Extractor))
		return p.routed(domain.ActionRestart, p.complete(ctx, result, log))

	case domain.ActionAbort:
		log.Info("item aborted")
		return p.routed(domain.ActionAbort, p.complete(ctx, result, log))

	default:
		log.Error("unknown failure action, aborting item")
		return p.routed(domain.ActionAbort, p.complete(ctx, result, log))
	}
}

func (p *Pool) routed(action domain.Action, err error) (domain.Action, error) {
	if err != nil {
		return "", err
	}
	p.hooks.OnRouted(p.extractor, action)
	return action, nil
}

func (p *Pool) checkRoute(item domain.QueueItem) error {
	n := p.controller.Naming()
	if !n.HasExtractor(item.Extractor) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownExtractor, item.Extractor)
	}
	if !n.ValidPriority(item.Priority) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidPriority, domain.PriorityLabel(item.Priority))
	}
	return nil
}

func (p *Pool) requeue(ctx context.Context, item domain.QueueItem) error {
	return p.controller.PopulateWorkerQueue(ctx, []domain.QueueItem{item}, item.Extractor, item.Priority)
}

// complete pushes result to the results queue and deletes the source
// message. Results too large for the transport even after compression are
// dropped, but the source message is still deleted.
func (p *Pool) complete(ctx context.Context, result domain.FetchResult, log *zap.Logger) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if len(body) > queue.MaxMessageBytes {
		compressed, cerr := result.Compressed()
		if cerr == nil {
			body, err = json.Marshal(compressed)
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
		} else {
			log.Warn("result compression failed", zap.Error(cerr))
		}
	}

	if len(body) > queue.MaxMessageBytes {
		log.Warn("dropping oversized result",
			zap.Int("bytes", len(body)),
			zap.Error(domain.ErrPayloadTooLarge),
		)
		p.hooks.OnDropped(p.extractor)
	} else {
		results := p.controller.Naming().ResultsQueueName()
		if err := p.controller.Queues().Send(ctx, results, []string{string(body)}); err != nil {
			return fmt.Errorf("send result: %w", err)
		}
	}

	return p.delete(ctx, result.Handle)
}

func (p *Pool) delete(ctx context.Context, h domain.Handle) error {
	if h.IsZero() {
		return domain.ErrMissingHandle
	}
	if err := p.controller.Queues().Delete(ctx, h.Queue, []string{h.Receipt}); err != nil {
		return fmt.Errorf("delete from %s: %w", h.Queue, err)
	}
	return nil
}
