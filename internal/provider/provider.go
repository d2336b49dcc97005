package provider

import (
	"context"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/fetcher"
)

// KeySource enumerates the keys a kickoff should fetch.
// Mocking this interface in tests gives full control over enumeration
// without a database.
type KeySource interface {
	Keys(ctx context.Context, q fetcher.KeyQuery) ([]domain.QueueItem, error)
}

// StaticKeySource serves a fixed key list, e.g. from the command line.
type StaticKeySource struct {
	KeyProperty string
	Values      []string
}

func (s StaticKeySource) Keys(_ context.Context, q fetcher.KeyQuery) ([]domain.QueueItem, error) {
	return buildItems(q, s.KeyProperty, s.Values), nil
}

// buildItems turns raw key values into items for q.Table, honouring MaxKeys
// and appending AddKeys that were not already present.
func buildItems(q fetcher.KeyQuery, keyProperty string, values []string) []domain.QueueItem {
	seen := make(map[string]struct{}, len(values)+len(q.AddKeys))
	items := make([]domain.QueueItem, 0, len(values)+len(q.AddKeys))
	add := func(v string) {
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		items = append(items, domain.NewQueueItem(v, keyProperty, q.Table))
	}
	for _, v := range values {
		if q.MaxKeys > 0 && len(items) >= q.MaxKeys {
			break
		}
		add(v)
	}
	for _, v := range q.AddKeys {
		add(v)
	}
	return items
}

// compile-time checks
var (
	_ KeySource = StaticKeySource{}
	_ KeySource = (*TableKeySource)(nil)
)
