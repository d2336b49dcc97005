package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ricirt/karnak/internal/consolidator"
	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/fetcher"
	"github.com/ricirt/karnak/internal/worker"
)

// Pipeline coordinates the controller, the worker pools and the consolidator.
// HTTP handlers and the CLI depend on this service, not on each other.
type Pipeline struct {
	controller   *fetcher.Controller
	pools        []*worker.Pool
	consolidator *consolidator.Consolidator
	cfg          Settings
	logger       *zap.Logger

	consolidating sync.Mutex
}

// Settings are the loop timings and batch sizes the pipeline runs with.
type Settings struct {
	LoopPause             time.Duration
	ConsolidateInterval   time.Duration
	MaxQueueItemsPerBatch int
	MaxRowsPerFile        int
}

func NewPipeline(
	c *fetcher.Controller,
	pools []*worker.Pool,
	cons *consolidator.Consolidator,
	cfg Settings,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LoopPause <= 0 {
		cfg.LoopPause = time.Second
	}
	if cfg.ConsolidateInterval <= 0 {
		cfg.ConsolidateInterval = 30 * time.Second
	}
	return &Pipeline{controller: c, pools: pools, consolidator: cons, cfg: cfg, logger: logger}
}

// KickoffRequest adds readiness control to fetcher.KickoffRequest.
type KickoffRequest struct {
	fetcher.KickoffRequest
	// EmptyPriority lets a kickoff start while only backlog less urgent than
	// this priority remains.
	EmptyPriority *int
	// Force skips the readiness check.
	Force bool
}

// Kickoff starts a new round unless the fetcher is still working. It returns
// false when there were no keys to enqueue.
func (p *Pipeline) Kickoff(ctx context.Context, req KickoffRequest) (bool, error) {
	if !req.Force {
		ready, state, err := p.controller.KickoffReady(ctx, req.EmptyPriority)
		if err != nil {
			return false, err
		}
		if !ready {
			return false, fmt.Errorf("%w (state %s)", domain.ErrKickoffNotReady, state)
		}
	}
	return p.controller.Kickoff(ctx, req.KickoffRequest)
}

// StateReport is a point-in-time view of the pipeline.
type StateReport struct {
	State           domain.FetcherState `json:"state"`
	WorkingPriority *int                `json:"working_priority"`
	Queues          map[string]int      `json:"queues"`
}

func (p *Pipeline) State(ctx context.Context) (StateReport, error) {
	sizes, err := p.controller.QueueSizes(ctx)
	if err != nil {
		return StateReport{}, err
	}
	state, working, err := p.controller.State(ctx, sizes)
	if err != nil {
		return StateReport{}, err
	}
	return StateReport{State: state, WorkingPriority: working, Queues: sizes}, nil
}

// Ping checks the queue transport by reading the results queue attributes.
func (p *Pipeline) Ping(ctx context.Context) error {
	_, err := p.controller.Queues().Attributes(ctx, p.controller.Naming().ResultsQueueName())
	return err
}

// Consolidate runs one consolidation. Only one may run at a time per process.
func (p *Pipeline) Consolidate(ctx context.Context) (consolidator.Stats, error) {
	if !p.consolidating.TryLock() {
		return consolidator.Stats{}, domain.ErrConsolidationRunning
	}
	defer p.consolidating.Unlock()
	return p.consolidator.Consolidate(ctx, p.cfg.MaxQueueItemsPerBatch, p.cfg.MaxRowsPerFile)
}

// RunWorkers keeps every pool working until ctx is cancelled, pausing
// LoopPause between Work calls of a pool.
func (p *Pipeline) RunWorkers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, pool := range p.pools {
		g.Go(func() error {
			log := p.logger.With(zap.String("extractor", pool.Extractor()))
			log.Info("worker pool started")
			defer log.Info("worker pool stopping")
			for {
				if err := pool.Work(gctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("worker pool stopped with error", zap.Error(err))
				}
				if !sleep(gctx, p.cfg.LoopPause) {
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// RunConsolidator consolidates every ConsolidateInterval until ctx is
// cancelled. Failures are logged; the next tick retries.
func (p *Pipeline) RunConsolidator(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ConsolidateInterval)
	defer ticker.Stop()

	p.logger.Info("consolidator started", zap.Duration("interval", p.cfg.ConsolidateInterval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("consolidator stopping")
			return nil
		case <-ticker.C:
			stats, err := p.Consolidate(ctx)
			switch {
			case errors.Is(err, domain.ErrConsolidationRunning):
			case err != nil && ctx.Err() == nil:
				p.logger.Error("consolidation failed", zap.Error(err))
			case stats.Messages > 0:
				p.logger.Info("consolidation finished",
					zap.Int("batches", stats.Batches),
					zap.Int("rows", stats.Rows),
					zap.Int("dead_lettered", stats.DeadLettered),
				)
			}
		}
	}
}

// Run runs workers and the consolidator until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.RunWorkers(gctx) })
	g.Go(func() error { return p.RunConsolidator(gctx) })
	return g.Wait()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
