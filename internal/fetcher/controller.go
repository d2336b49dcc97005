package fetcher

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/queue"
)

// DefaultExtractor is used for items no one assigned an extractor to.
const DefaultExtractor = "default"

// Controller enumerates work, populates the work queues and reports the
// fetcher state. It keeps no ledger of its own: everything it reports is
// derived from queue sizes at the time of the call.
type Controller struct {
	fetcher          Fetcher
	queues           queue.Service
	naming           queue.Naming
	defaultExtractor string
	logger           *zap.Logger

	// onSnapshot is called with every queue-size snapshot the controller
	// reads. Injected by main to feed gauges; nil = no-op.
	onSnapshot func(sizes map[string]int)
}

type Options struct {
	DefaultExtractor string
	Logger           *zap.Logger
	OnSnapshot       func(sizes map[string]int)
}

func NewController(f Fetcher, svc queue.Service, naming queue.Naming, opts Options) *Controller {
	if opts.DefaultExtractor == "" {
		opts.DefaultExtractor = DefaultExtractor
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnSnapshot == nil {
		opts.OnSnapshot = func(map[string]int) {}
	}
	return &Controller{
		fetcher:          f,
		queues:           svc,
		naming:           naming,
		defaultExtractor: opts.DefaultExtractor,
		logger:           opts.Logger,
		onSnapshot:       opts.OnSnapshot,
	}
}

func (c *Controller) Fetcher() Fetcher {
	return c.fetcher
}

func (c *Controller) Queues() queue.Service {
	return c.queues
}

func (c *Controller) Naming() queue.Naming {
	return c.naming
}

func (c *Controller) Priorities() []*int {
	return c.naming.Priorities()
}

// KickoffRequest parameterises Kickoff. Priority, when set, is applied to
// every enumerated item; Cohort, when non-empty, labels every item.
type KickoffRequest struct {
	KeyQuery
	Priority *int
	Cohort   string
}

// Kickoff enumerates keys and pushes them onto their initial work queues.
// It returns false when the fetcher produced no keys.
//
// Items are grouped by (extractor, priority) before populating so that items
// carrying their own priority land in the matching partition.
func (c *Controller) Kickoff(ctx context.Context, req KickoffRequest) (bool, error) {
	log := c.logger.With(zap.String("table", req.Table))

	if !c.naming.ValidPriority(req.Priority) {
		return false, fmt.Errorf("%w: %s", domain.ErrInvalidPriority, domain.PriorityLabel(req.Priority))
	}

	items, err := c.fetcher.KeysToFetch(ctx, req.KeyQuery)
	if err != nil {
		return false, fmt.Errorf("keys to fetch: %w", err)
	}
	if len(items) == 0 {
		log.Warn("kickoff found no keys to fetch")
		return false, nil
	}

	if req.Priority != nil {
		for i := range items {
			items[i] = items[i].WithPriority(req.Priority)
		}
	}
	if req.Cohort != "" {
		for i := range items {
			items[i] = items[i].WithCohort(req.Cohort)
		}
	}
	if setter, ok := c.fetcher.(InitialExtractorSetter); ok {
		items = setter.SetInitialExtractor(items)
	}

	groups := make(map[string][]domain.QueueItem)
	var order []string
	for i := range items {
		if items[i].Extractor == "" {
			items[i] = items[i].WithExtractor(c.defaultExtractor)
		}
		it := items[i]
		if !c.naming.HasExtractor(it.Extractor) {
			return false, fmt.Errorf("%w: %q", domain.ErrUnknownExtractor, it.Extractor)
		}
		if !c.naming.ValidPriority(it.Priority) {
			return false, fmt.Errorf("%w: item %s has priority %s", domain.ErrInvalidPriority, it.Key, domain.PriorityLabel(it.Priority))
		}
		name := c.naming.WorkQueueName(it.Extractor, it.Priority)
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], it)
	}

	for _, name := range order {
		group := groups[name]
		if err := c.PopulateWorkerQueue(ctx, group, group[0].Extractor, group[0].Priority); err != nil {
			return false, err
		}
	}

	log.Info("kickoff populated work queues",
		zap.Int("items", len(items)),
		zap.Int("queues", len(order)),
	)
	return true, nil
}

// PopulateWorkerQueue sends items to the work queue of (extractor, priority).
// The caller is responsible for the items actually carrying that pair.
func (c *Controller) PopulateWorkerQueue(ctx context.Context, items []domain.QueueItem, extractor string, priority *int) error {
	name := c.naming.WorkQueueName(extractor, priority)
	bodies := make([]string, 0, len(items))
	for _, it := range items {
		body, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("marshal item %s: %w", it.Key, err)
		}
		bodies = append(bodies, string(body))
	}
	if err := queue.SendAll(ctx, c.queues, name, bodies); err != nil {
		return fmt.Errorf("populate %s: %w", name, err)
	}
	c.logger.Debug("populated work queue",
		zap.String("queue", name),
		zap.Int("items", len(items)),
	)
	return nil
}

// QueueSizes reads available+in-flight+delayed for every work queue and the
// results queue.
func (c *Controller) QueueSizes(ctx context.Context) (map[string]int, error) {
	names := c.naming.AllQueueNames()
	sizes := make(map[string]int, len(names))
	for _, name := range names {
		attrs, err := c.queues.Attributes(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("queue sizes: %w", err)
		}
		sizes[name] = attrs.Total()
	}
	return sizes, nil
}

// State reports the fetcher state and, when working, the most urgent
// priority that still has items. Pass sizes to evaluate a snapshot the
// caller already holds; nil reads a fresh one.
func (c *Controller) State(ctx context.Context, sizes map[string]int) (domain.FetcherState, *int, error) {
	if sizes == nil {
		var err error
		sizes, err = c.QueueSizes(ctx)
		if err != nil {
			return "", nil, err
		}
	}
	c.onSnapshot(sizes)
	state, p := DeriveState(c.naming, sizes)
	return state, p, nil
}

// DeriveState is the pure state function behind State.
func DeriveState(n queue.Naming, sizes map[string]int) (domain.FetcherState, *int) {
	results := sizes[n.ResultsQueueName()]
	work := 0
	for _, name := range n.AllWorkQueueNames() {
		work += sizes[name]
	}

	switch {
	case work+results == 0:
		return domain.StateIdle, nil
	case work == 0:
		return domain.StateConsolidating, nil
	}

	extractors := n.Extractors()
	for p := 1; p <= n.MaxPriority(); p++ {
		total := 0
		for _, e := range extractors {
			total += sizes[n.WorkQueueName(e, &p)]
		}
		if total > 0 {
			return domain.StateWorking, domain.IntPtr(p)
		}
	}
	return domain.StateWorking, nil
}

// KickoffReady reports whether a new kickoff may start. It may unless the
// fetcher is working; when emptyPriority is given, a working fetcher whose
// most urgent backlog is less urgent than emptyPriority is also ready.
// A backlog only in the catch-all partition counts as least urgent.
func (c *Controller) KickoffReady(ctx context.Context, emptyPriority *int) (bool, domain.FetcherState, error) {
	state, working, err := c.State(ctx, nil)
	if err != nil {
		return false, "", err
	}
	if state != domain.StateWorking {
		return true, state, nil
	}
	if emptyPriority == nil {
		return false, state, nil
	}
	if working == nil {
		return true, state, nil
	}
	return *working > *emptyPriority, state, nil
}
