package provider

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/fetcher"
)

// Key enumeration methods understood by TableKeySource.
const (
	MethodAll     = "all"
	MethodMissing = "missing"
)

// TableKeySource reads distinct key values from a column of a Postgres table.
// With MethodMissing it skips keys that already have a successful row in
// fetch_results.
type TableKeySource struct {
	pool        *pgxpool.Pool
	keyProperty string
}

func NewTableKeySource(pool *pgxpool.Pool, keyProperty string) *TableKeySource {
	return &TableKeySource{pool: pool, keyProperty: keyProperty}
}

func (s *TableKeySource) Keys(ctx context.Context, q fetcher.KeyQuery) ([]domain.QueueItem, error) {
	sql, args, err := keyQuery(q, s.keyProperty)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys from %s: %w", q.Table, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan keys from %s: %w", q.Table, err)
	}
	return buildItems(q, s.keyProperty, values), nil
}

// keyQuery builds the enumeration statement. Identifiers are quoted with
// pgx.Identifier; values are bound.
func keyQuery(q fetcher.KeyQuery, keyProperty string) (string, []any, error) {
	if q.Table == "" || keyProperty == "" {
		return "", nil, fmt.Errorf("table and key property are required")
	}
	col := pgx.Identifier{keyProperty}.Sanitize()
	table := pgx.Identifier{q.Table}.Sanitize()

	sql := fmt.Sprintf("SELECT DISTINCT t.%s::text FROM %s t WHERE t.%s IS NOT NULL", col, table, col)
	var args []any
	switch q.Method {
	case "", MethodAll:
	case MethodMissing:
		sql += ` AND NOT EXISTS (
			SELECT 1 FROM fetch_results r
			WHERE r.key = t.` + col + `::text
			  AND r.key_property = $1
			  AND r.table_name = $2
			  AND r.is_success)`
		args = append(args, keyProperty, q.Table)
	default:
		return "", nil, fmt.Errorf("unknown key method %q", q.Method)
	}
	sql += " ORDER BY 1"
	if q.MaxKeys > 0 {
		args = append(args, q.MaxKeys)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args, nil
}
