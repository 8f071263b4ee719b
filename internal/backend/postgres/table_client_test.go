package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

func TestBuildQuery(t *testing.T) {
	sql, args := buildQuery(`"rt_orders"`, backend.Query{PartitionKey: "p", RowKeyFrom: "a", RowKeyTo: "m", Limit: 10})
	assert.Equal(t,
		`SELECT partition_key, row_key, etag, updated_at, properties FROM "rt_orders" WHERE partition_key = $1 AND row_key >= $2 AND row_key < $3 ORDER BY partition_key, row_key LIMIT $4`,
		sql)
	assert.Equal(t, []any{"p", "a", "m", 10}, args)

	sql, args = buildQuery(`"rt_orders"`, backend.Query{})
	assert.NotContains(t, sql, "WHERE")
	assert.Empty(t, args)
}

func TestSQLTable(t *testing.T) {
	ident, err := sqlTable("Orders_2024")
	require.NoError(t, err)
	assert.Equal(t, `"rt_orders_2024"`, ident)

	_, err = sqlTable("orders; DROP TABLE x")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeInvalidArgument))
}

// TestTableClient_Integration runs against a real database named by
// CHAINTABLE_TEST_POSTGRES_DSN.
func TestTableClient_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv("CHAINTABLE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHAINTABLE_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	c := NewTableClientWithPool("pg-test", pool, zap.NewNop())
	defer c.Close()

	const table = "chaintable_it"
	require.NoError(t, c.DeleteTableIfExists(ctx, table))
	require.NoError(t, c.CreateTableIfNotExists(ctx, table))
	exists, err := c.TableExists(ctx, table)
	require.NoError(t, err)
	assert.True(t, exists)
	names, err := c.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, table)

	row := &backend.Row{PartitionKey: "p", RowKey: "r", Properties: backend.Properties{"n": 1}}
	inserted, err := c.Execute(ctx, table, backend.Operation{Type: backend.OpInsert, Row: row})
	require.NoError(t, err)

	_, err = c.Execute(ctx, table, backend.Operation{Type: backend.OpInsert, Row: row})
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeAlreadyExists))

	_, err = c.Execute(ctx, table, backend.Operation{Type: backend.OpReplace, Row: row, ETag: "stale"})
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodePreconditionFailed))

	replaced, err := c.Execute(ctx, table, backend.Operation{Type: backend.OpReplace, Row: row, ETag: inserted.ETag})
	require.NoError(t, err)

	got, err := c.Get(ctx, table, "p", "r")
	require.NoError(t, err)
	assert.Equal(t, replaced.ETag, got.ETag)

	results, err := c.ExecuteBatch(ctx, table, []backend.Operation{
		{Type: backend.OpInsert, Row: &backend.Row{PartitionKey: "p", RowKey: "s", Properties: backend.Properties{}}},
		{Type: backend.OpInsert, Row: row},
	})
	require.Error(t, err)
	assert.True(t, tableerrors.IsCode(results[1].Err, tableerrors.ErrCodeAlreadyExists))
	_, err = c.Get(ctx, table, "p", "s")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeNotFound))

	it := c.Query(ctx, table, backend.Query{PartitionKey: "p"})
	count := 0
	for it.Next(ctx) {
		count++
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.Equal(t, 1, count)

	_, err = c.Execute(ctx, table, backend.Operation{Type: backend.OpDelete, Row: row, ETag: backend.AnyETag})
	require.NoError(t, err)
	require.NoError(t, c.DeleteTableIfExists(ctx, table))
}
