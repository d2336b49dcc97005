package sink

import (
	"context"
	"fmt"
	"sort"
)

// Row is one consolidated record: payload fields plus item metadata.
type Row map[string]any

// Identity columns every row carries.
const (
	ColumnKey         = "key"
	ColumnKeyProperty = "key_property"
	ColumnTable       = "table"
	ColumnExtractor   = "extractor"
	ColumnIsSuccess   = "is_success"
)

// Sink persists consolidated rows. Append must either persist all rows or
// return an error; the consolidator only deletes results after it returns nil.
type Sink interface {
	Append(ctx context.Context, rows []Row) error
}

type identity struct {
	key, keyProperty, table string
}

func rowIdentity(r Row) identity {
	return identity{
		key:         text(r[ColumnKey]),
		keyProperty: text(r[ColumnKeyProperty]),
		table:       text(r[ColumnTable]),
	}
}

func text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// DedupByKey keeps the last row for each (key, key_property, table). Output
// order follows the first occurrence of each identity.
func DedupByKey(rows []Row) []Row {
	index := make(map[identity]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		id := rowIdentity(r)
		if i, ok := index[id]; ok {
			out[i] = r
			continue
		}
		index[id] = len(out)
		out = append(out, r)
	}
	return out
}

// Columns returns the sorted union of column names across rows.
func Columns(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
