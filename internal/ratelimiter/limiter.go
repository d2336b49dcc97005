package ratelimiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ExtractorLimiters holds one token bucket limiter per extractor.
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type ExtractorLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// New creates limiters allowing ratePerSec fetches per second for each of
// the given extractors. ratePerSec <= 0 disables limiting.
func New(ratePerSec int, extractors ...string) *ExtractorLimiters {
	l := &ExtractorLimiters{
		limit:    rate.Limit(ratePerSec),
		burst:    ratePerSec,
		limiters: make(map[string]*rate.Limiter, len(extractors)),
	}
	if ratePerSec <= 0 {
		l.limit = rate.Inf
		l.burst = 0
	}
	for _, e := range extractors {
		l.limiters[e] = rate.NewLimiter(l.limit, l.burst)
	}
	return l
}

// Wait blocks until the extractor's limiter grants a token.
// Called by each worker immediately before fetching.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (el *ExtractorLimiters) Wait(ctx context.Context, extractor string) error {
	if err := el.get(extractor).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", extractor, err)
	}
	return nil
}

// get returns the limiter for extractor, creating one for extractors added
// after construction.
func (el *ExtractorLimiters) get(extractor string) *rate.Limiter {
	el.mu.Lock()
	defer el.mu.Unlock()
	lim, ok := el.limiters[extractor]
	if !ok {
		lim = rate.NewLimiter(el.limit, el.burst)
		el.limiters[extractor] = lim
	}
	return lim
}
