package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/fetcher"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the pool constructor signature clean.
type MetricHooks struct {
	OnFetched    func(extractor string, success bool, elapsed time.Duration)
	OnRouted     func(extractor string, action domain.Action)
	OnDropped    func(extractor string)
	OnDeadLetter func(queue string)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnFetched == nil {
		h.OnFetched = func(string, bool, time.Duration) {}
	}
	if h.OnRouted == nil {
		h.OnRouted = func(string, domain.Action) {}
	}
	if h.OnDropped == nil {
		h.OnDropped = func(string) {}
	}
	if h.OnDeadLetter == nil {
		h.OnDeadLetter = func(string) {}
	}
	return h
}

// Limiter throttles fetches per extractor. Wait returns an error only when
// ctx ends first.
type Limiter interface {
	Wait(ctx context.Context, extractor string) error
}

type Options struct {
	Workers      int
	Wait         time.Duration // long-poll used in the second pass
	EmptyRecheck time.Duration // ignored when Cache is set
	Cache        *EmptyQueueCache
	Limiter      Limiter
	Hooks        MetricHooks
	Logger       *zap.Logger
}

// Pool runs Workers goroutines for one extractor. Every goroutine polls the
// extractor's work queues in priority order; the pool goes idle as soon as
// any of them finds nothing to do.
type Pool struct {
	extractor  string
	controller *fetcher.Controller
	workers    int
	wait       time.Duration
	cache      *EmptyQueueCache
	limiter    Limiter
	hooks      MetricHooks
	logger     *zap.Logger

	working atomic.Bool
}

func NewPool(extractor string, c *fetcher.Controller, opts Options) (*Pool, error) {
	if !c.Naming().HasExtractor(extractor) {
		return nil, domain.ErrUnknownExtractor
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Cache == nil {
		opts.Cache = NewEmptyQueueCache(opts.EmptyRecheck)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		extractor:  extractor,
		controller: c,
		workers:    opts.Workers,
		wait:       opts.Wait,
		cache:      opts.Cache,
		limiter:    opts.Limiter,
		hooks:      opts.Hooks.withDefaults(),
		logger:     opts.Logger.With(zap.String("extractor", extractor)),
	}, nil
}

func (p *Pool) Extractor() string {
	return p.extractor
}

// Working reports whether a Work call is in progress and has not gone idle.
func (p *Pool) Working() bool {
	return p.working.Load()
}

// Work starts the pool's goroutines and blocks until all of them have
// returned, either because the pool went idle or because ctx ended. The
// caller decides when to run it again.
func (p *Pool) Work(ctx context.Context) error {
	p.working.Store(true)
	defer p.working.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		w := &worker{
			id:     i,
			pool:   p,
			logger: p.logger.With(zap.Int("worker_id", i)),
		}
		g.Go(func() error {
			w.run(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// idle flips the pool to idle; the remaining goroutines exit after their
// current item.
func (p *Pool) idle(reason string) {
	if p.working.CompareAndSwap(true, false) {
		p.logger.Debug("pool idle", zap.String("reason", reason))
	}
}
