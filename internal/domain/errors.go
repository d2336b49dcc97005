package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNoKeys             = errors.New("no keys to fetch")
	ErrInvalidExtractor   = errors.New("invalid extractor: must match [A-Za-z0-9_]+")
	ErrUnknownExtractor   = errors.New("extractor is not configured for this fetcher")
	ErrInvalidPriority    = errors.New("invalid priority: must be between 1 and the configured maximum")
	ErrInvalidBatchSize   = errors.New("batch size must be positive")
	ErrMissingHandle      = errors.New("queue item has no transport handle")
	ErrPayloadTooLarge    = errors.New("serialized result exceeds the queue message limit")
	ErrUnknownCompression = errors.New("unknown result compression")

	ErrKickoffNotReady      = errors.New("fetcher is still working; kickoff refused")
	ErrConsolidationRunning = errors.New("a consolidation is already running")
)
