package fetcher

import (
	"context"

	"github.com/ricirt/karnak/internal/domain"
)

// KeyQuery describes which keys a kickoff should enumerate.
type KeyQuery struct {
	Table   string
	MaxKeys int      // 0 = no limit
	AddKeys []string // always included, even if the source would skip them
	Method  string   // source specific, e.g. "all" or "missing"
}

// Fetcher is the strategy a concrete pipeline plugs into the controller and
// worker pools.
//
// KeysToFetch returns items without an extractor or handle; the controller
// assigns both. Fetch never returns an error: failures are described by the
// FetchResult and routed through DecideFailureAction.
type Fetcher interface {
	KeysToFetch(ctx context.Context, q KeyQuery) ([]domain.QueueItem, error)
	Fetch(ctx context.Context, item domain.QueueItem) domain.FetchResult
	DecideFailureAction(result domain.FetchResult) domain.FailureDecision
}

// InitialExtractorSetter is implemented by fetchers that route items to a
// specific extractor at kickoff. Items left with an empty extractor fall back
// to the controller default.
type InitialExtractorSetter interface {
	SetInitialExtractor(items []domain.QueueItem) []domain.QueueItem
}
