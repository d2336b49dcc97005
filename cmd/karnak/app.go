package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ricirt/karnak/internal/config"
	"github.com/ricirt/karnak/internal/consolidator"
	"github.com/ricirt/karnak/internal/db"
	"github.com/ricirt/karnak/internal/fetcher"
	"github.com/ricirt/karnak/internal/metrics"
	"github.com/ricirt/karnak/internal/provider"
	"github.com/ricirt/karnak/internal/queue"
	"github.com/ricirt/karnak/internal/ratelimiter"
	"github.com/ricirt/karnak/internal/service"
	"github.com/ricirt/karnak/internal/sink"
	"github.com/ricirt/karnak/internal/worker"
)

// app holds every wired component. close releases them in reverse order.
type app struct {
	cfg      *config.Config
	registry *prometheus.Registry
	pipeline *service.Pipeline

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires config -> database -> queues -> fetcher -> pools -> sink ->
// consolidator -> pipeline. On error everything opened so far is released.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// ---- database ----
	var pool *pgxpool.Pool
	if cfg.NeedsDatabase() {
		pool, err = db.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsURL); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	// ---- queues ----
	naming, err := queue.NewNaming(cfg.Name, cfg.Extractors, cfg.MaxPriority)
	if err != nil {
		return nil, err
	}
	var queues queue.Service
	switch cfg.QueueBackend {
	case config.BackendPostgres:
		queues = queue.NewPostgres(pool, cfg.VisibilityTimeout, cfg.QueuePollInterval)
	default:
		queues = queue.NewMemory(queue.WithVisibilityTimeout(cfg.VisibilityTimeout))
	}

	// ---- fetcher ----
	var keys provider.KeySource
	switch cfg.KeySource {
	case config.KeySourceTable:
		keys = provider.NewTableKeySource(pool, cfg.KeyProperty)
	default:
		keys = provider.StaticKeySource{KeyProperty: cfg.KeyProperty, Values: cfg.StaticKeys}
	}
	f := provider.NewHTTPFetcher(provider.HTTPConfig{
		BaseURL: cfg.FetchBaseURL,
		Timeout: cfg.FetchTimeout,
		Keys:    keys,
		Policy: provider.RetryPolicy{
			MaxRetries:  cfg.MaxRetries,
			MaxPriority: cfg.MaxPriority,
			Fallback:    cfg.FallbackExtractors,
		},
		TableExtractors: cfg.TableExtractors,
		Logger:          logger.Named("fetcher"),
	})

	m := metrics.New(a.registry)
	ctrl := fetcher.NewController(f, queues, naming, fetcher.Options{
		DefaultExtractor: cfg.DefaultExtractor,
		Logger:           logger.Named("controller"),
		OnSnapshot:       m.ObserveQueueSizes,
	})

	// ---- worker pools ----
	cache := worker.NewEmptyQueueCache(cfg.EmptyRecheck)
	limiter := ratelimiter.New(cfg.FetchRateLimit, cfg.Extractors...)
	pools := make([]*worker.Pool, 0, len(cfg.Extractors))
	for _, e := range cfg.Extractors {
		p, err := worker.NewPool(e, ctrl, worker.Options{
			Workers: cfg.WorkersPerExtractor,
			Wait:    cfg.WaitTime,
			Cache:   cache,
			Limiter: limiter,
			Hooks:   m.WorkerHooks(),
			Logger:  logger.Named("worker"),
		})
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", e, err)
		}
		pools = append(pools, p)
	}

	// ---- sink ----
	out, err := openSink(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}
	if c, ok := out.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func() {
			if err := c.Close(); err != nil {
				logger.Warn("sink close failed", zap.Error(err))
			}
		})
	}
	cons := consolidator.New(queues, naming, out, m.ConsolidatorHooks(), logger.Named("consolidator"))

	a.pipeline = service.NewPipeline(ctrl, pools, cons, service.Settings{
		LoopPause:             cfg.LoopPause,
		ConsolidateInterval:   cfg.ConsolidateInterval,
		MaxQueueItemsPerBatch: cfg.MaxQueueItemsPerBatch,
		MaxRowsPerFile:        cfg.MaxRowsPerFile,
	}, logger.Named("pipeline"))

	logger.Info("pipeline ready",
		zap.String("name", cfg.Name),
		zap.Strings("extractors", cfg.Extractors),
		zap.Int("max_priority", cfg.MaxPriority),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("sink", cfg.SinkType),
	)
	return a, nil
}

func openSink(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (sink.Sink, error) {
	switch cfg.SinkType {
	case config.SinkMemory:
		return sink.NewMemory(), nil
	case config.SinkPostgres:
		return sink.NewPostgres(pool), nil
	case config.SinkSQLite:
		s, err := sink.OpenSQLite(ctx, cfg.SinkPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite sink: %w", err)
		}
		return s, nil
	case config.SinkXLSX:
		s, err := sink.NewXLSX(cfg.SinkPath, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("open xlsx sink: %w", err)
		}
		return s, nil
	}
	return nil, errors.New("unsupported sink " + cfg.SinkType)
}

// errProcessLocalQueue is returned by one-shot commands run against the
// memory queue, whose contents vanish when the command exits.
var errProcessLocalQueue = errors.New("the memory queue backend only lives inside `karnak serve`; set QUEUE_BACKEND=postgres for one-shot commands")

// checkOneShot rejects backends that cannot be shared with another process.
func checkOneShot(cfg *config.Config) error {
	if cfg.QueueBackend == config.BackendMemory {
		return errProcessLocalQueue
	}
	return nil
}

// withApp loads config, wires the app and hands it to fn. oneShot commands
// exit right after fn and need a queue other processes can see.
func withApp(ctx context.Context, oneShot bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if oneShot {
		if err := checkOneShot(cfg); err != nil {
			return err
		}
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
