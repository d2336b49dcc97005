package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultVisibility = 30 * time.Second

type memMessage struct {
	body      string
	receipt   string
	visibleAt time.Time
}

type memQueue struct {
	available []*memMessage
	inFlight  map[string]*memMessage

	// notify is closed and replaced whenever a message becomes available,
	// waking every long-polling receiver at once.
	notify chan struct{}
}

// Memory is an in-process Service with visibility timeouts and long polling.
// Queues are created on first use. It backs local runs and tests.
type Memory struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	visibility time.Duration
}

type MemoryOption func(*Memory)

// WithVisibilityTimeout sets how long a received message stays hidden before
// it becomes available to other receivers again.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.visibility = d
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		queues:     make(map[string]*memQueue),
		visibility: defaultVisibility,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// queue must be called with m.mu held.
func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			inFlight: make(map[string]*memMessage),
			notify:   make(chan struct{}),
		}
		m.queues[name] = q
	}
	return q
}

// reclaim moves expired in-flight messages back to available and returns the
// earliest pending expiry (zero when nothing is in flight).
func (q *memQueue) reclaim(now time.Time) time.Time {
	var next time.Time
	for receipt, msg := range q.inFlight {
		if !msg.visibleAt.After(now) {
			delete(q.inFlight, receipt)
			msg.receipt = ""
			q.available = append(q.available, msg)
			continue
		}
		if next.IsZero() || msg.visibleAt.Before(next) {
			next = msg.visibleAt
		}
	}
	return next
}

func (q *memQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (m *Memory) Send(_ context.Context, name string, bodies []string) error {
	if len(bodies) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(name)
	for _, b := range bodies {
		q.available = append(q.available, &memMessage{body: b})
	}
	q.wake()
	return nil
}

func (m *Memory) Receive(ctx context.Context, name string, limit int, wait time.Duration) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	limit = min(limit, ReceiveLimit)
	deadline := time.Now().Add(wait)

	for {
		m.mu.Lock()
		now := time.Now()
		q := m.queue(name)
		nextExpiry := q.reclaim(now)

		n := min(limit, len(q.available))
		msgs := make([]Message, 0, n)
		for _, msg := range q.available[:n] {
			msg.receipt = uuid.NewString()
			msg.visibleAt = now.Add(m.visibility)
			q.inFlight[msg.receipt] = msg
			msgs = append(msgs, Message{Receipt: msg.receipt, Body: msg.body})
		}
		q.available = q.available[n:]
		notify := q.notify
		m.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return msgs, nil
		}
		if !nextExpiry.IsZero() {
			remaining = min(remaining, time.Until(nextExpiry))
		}

		timer := time.NewTimer(max(remaining, time.Millisecond))
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Delete drops in-flight messages by receipt. Stale receipts are ignored,
// matching the behaviour of hosted queues.
func (m *Memory) Delete(_ context.Context, name string, receipts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(name)
	for _, r := range receipts {
		delete(q.inFlight, r)
	}
	return nil
}

// Return makes an in-flight message immediately visible again.
func (m *Memory) Return(_ context.Context, name string, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(name)
	msg, ok := q.inFlight[receipt]
	if !ok {
		return nil
	}
	delete(q.inFlight, receipt)
	msg.receipt = ""
	q.available = append([]*memMessage{msg}, q.available...)
	q.wake()
	return nil
}

func (m *Memory) Attributes(_ context.Context, name string) (Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(name)
	q.reclaim(time.Now())
	return Attributes{
		Available: len(q.available),
		InFlight:  len(q.inFlight),
	}, nil
}

// compile-time check that Memory implements Service
var _ Service = (*Memory)(nil)
