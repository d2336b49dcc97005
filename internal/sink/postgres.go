package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const upsertFetchResult = `
	INSERT INTO fetch_results
		(key, key_property, table_name, extractor, is_success, data, consolidated_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (key, key_property, table_name) DO UPDATE SET
		extractor       = EXCLUDED.extractor,
		is_success      = EXCLUDED.is_success,
		data            = EXCLUDED.data,
		consolidated_at = EXCLUDED.consolidated_at`

// Postgres upserts rows into fetch_results, one row per identity. Appending
// the same identity twice overwrites, so redelivered results are harmless.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Append(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	rows = DedupByKey(rows)

	batch := &pgx.Batch{}
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal row %s: %w", text(r[ColumnKey]), err)
		}
		id := rowIdentity(r)
		success, _ := r[ColumnIsSuccess].(bool)
		batch.Queue(upsertFetchResult, id.key, id.keyProperty, id.table, text(r[ColumnExtractor]), success, data)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("upsert fetch results: %w", err)
	}
	return nil
}
