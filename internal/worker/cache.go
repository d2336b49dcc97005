package worker

import (
	"sync"
	"time"
)

// EmptyQueueCache remembers when a work queue was last seen empty so pollers
// can skip it for a while. One cache is shared by every pool in the process.
type EmptyQueueCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	recheck time.Duration
	now     func() time.Time
}

// NewEmptyQueueCache creates a cache that treats a queue as recently empty
// for recheck after it was marked.
func NewEmptyQueueCache(recheck time.Duration) *EmptyQueueCache {
	return &EmptyQueueCache{
		seen:    make(map[string]time.Time),
		recheck: recheck,
		now:     time.Now,
	}
}

func (c *EmptyQueueCache) MarkEmpty(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[queue] = c.now()
}

// RecentlyEmpty reports whether queue was marked empty within the recheck
// window. Expired entries are dropped on the way.
func (c *EmptyQueueCache) RecentlyEmpty(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seen[queue]
	if !ok {
		return false
	}
	if c.now().Sub(at) < c.recheck {
		return true
	}
	delete(c.seen, queue)
	return false
}

func (c *EmptyQueueCache) Clear(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, queue)
}
