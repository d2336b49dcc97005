package sink_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/ricirt/karnak/internal/db"
)

func openTestPool(t *testing.T, ctx context.Context, url string) *pgxpool.Pool {
	t.Helper()
	require.NoError(t, db.Migrate(url, "file://../../migrations"))
	pool, err := db.Connect(ctx, url, 4, 0)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
