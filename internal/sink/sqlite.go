package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fetch_results (
	key             TEXT    NOT NULL,
	key_property    TEXT    NOT NULL,
	table_name      TEXT    NOT NULL,
	extractor       TEXT    NOT NULL,
	is_success      INTEGER NOT NULL,
	data            TEXT    NOT NULL,
	consolidated_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (key, key_property, table_name)
)`

const sqliteUpsert = `
INSERT INTO fetch_results (key, key_property, table_name, extractor, is_success, data)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (key, key_property, table_name) DO UPDATE SET
	extractor       = excluded.extractor,
	is_success      = excluded.is_success,
	data            = excluded.data,
	consolidated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

// SQLite is the single-file counterpart of Postgres with the same upsert
// semantics.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// fetch_results table exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create fetch_results: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal row %s: %w", text(r[ColumnKey]), err)
		}
		id := rowIdentity(r)
		success, _ := r[ColumnIsSuccess].(bool)
		if _, err := stmt.ExecContext(ctx, id.key, id.keyProperty, id.table, text(r[ColumnExtractor]), success, string(data)); err != nil {
			return fmt.Errorf("upsert %s: %w", id.key, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of stored rows.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fetch_results").Scan(&n)
	return n, err
}

// Load returns the stored row for an identity, or nil when absent.
func (s *SQLite) Load(ctx context.Context, key, keyProperty, table string) (Row, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM fetch_results WHERE key = ? AND key_property = ? AND table_name = ?",
		key, keyProperty, table,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Row
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
