package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

func newRow(pk, rk string, v int) *backend.Row {
	return &backend.Row{PartitionKey: pk, RowKey: rk, Properties: backend.Properties{"v": v}}
}

func TestSkipList_OrderAndRemove(t *testing.T) {
	sl := newSkipList()
	for _, k := range []string{"c", "a", "b", "d"} {
		sl.put(k, &backend.Row{RowKey: k})
	}
	sl.put("b", &backend.Row{RowKey: "b2"})
	assert.Equal(t, 4, sl.size)

	var seen []string
	sl.scan("b", func(r *backend.Row) bool {
		seen = append(seen, r.RowKey)
		return true
	})
	assert.Equal(t, []string{"b2", "c", "d"}, seen)

	assert.True(t, sl.remove("c"))
	assert.False(t, sl.remove("c"))
	_, ok := sl.get("c")
	assert.False(t, ok)
	assert.Equal(t, 3, sl.size)
}

func TestTableClient_ConditionalOps(t *testing.T) {
	ctx := context.Background()
	c := NewTableClient("a")
	require.NoError(t, c.CreateTableIfNotExists(ctx, "t"))

	row, err := c.Execute(ctx, "t", backend.Operation{Type: backend.OpInsert, Row: newRow("p", "r", 1)})
	require.NoError(t, err)
	first := row.ETag

	_, err = c.Execute(ctx, "t", backend.Operation{Type: backend.OpInsert, Row: newRow("p", "r", 1)})
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeAlreadyExists))

	row, err = c.Execute(ctx, "t", backend.Operation{Type: backend.OpReplace, Row: newRow("p", "r", 2), ETag: first})
	require.NoError(t, err)
	assert.NotEqual(t, first, row.ETag)

	_, err = c.Execute(ctx, "t", backend.Operation{Type: backend.OpReplace, Row: newRow("p", "r", 3), ETag: first})
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodePreconditionFailed))

	_, err = c.Execute(ctx, "t", backend.Operation{Type: backend.OpDelete, Row: newRow("p", "r", 0), ETag: backend.AnyETag})
	require.NoError(t, err)
	_, err = c.Get(ctx, "t", "p", "r")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeNotFound))

	_, err = c.Get(ctx, "missing", "p", "r")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeNotFound))
}

func TestTableClient_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := NewTableClient("a")
	require.NoError(t, c.CreateTableIfNotExists(ctx, "t"))
	_, err := c.Execute(ctx, "t", backend.Operation{Type: backend.OpInsert, Row: newRow("p", "exists", 1)})
	require.NoError(t, err)

	results, err := c.ExecuteBatch(ctx, "t", []backend.Operation{
		{Type: backend.OpInsert, Row: newRow("p", "new", 1)},
		{Type: backend.OpInsert, Row: newRow("p", "exists", 1)},
	})
	require.Error(t, err)
	assert.True(t, tableerrors.IsCode(results[1].Err, tableerrors.ErrCodeAlreadyExists))

	_, err = c.Get(ctx, "t", "p", "new")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeNotFound), "failed batch must not apply")

	_, err = c.ExecuteBatch(ctx, "t", []backend.Operation{
		{Type: backend.OpInsert, Row: newRow("p", "x", 1)},
		{Type: backend.OpInsert, Row: newRow("q", "y", 1)},
	})
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeInvalidArgument))
}

func TestTableClient_QueryAndFailures(t *testing.T) {
	ctx := context.Background()
	c := NewTableClient("a")
	require.NoError(t, c.CreateTableIfNotExists(ctx, "t"))
	for i := 0; i < 5; i++ {
		_, err := c.Execute(ctx, "t", backend.Operation{Type: backend.OpInsertOrReplace, Row: newRow("p", fmt.Sprintf("r%d", i), i)})
		require.NoError(t, err)
	}
	_, err := c.Execute(ctx, "t", backend.Operation{Type: backend.OpInsertOrReplace, Row: newRow("q", "r0", 0)})
	require.NoError(t, err)

	it := c.Query(ctx, "t", backend.Query{PartitionKey: "p", RowKeyFrom: "r1", RowKeyTo: "r4"})
	var keys []string
	for it.Next(ctx) {
		keys = append(keys, it.Row().RowKey)
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"r1", "r2", "r3"}, keys)

	it = c.Query(ctx, "t", backend.Query{Limit: 2})
	count := 0
	for it.Next(ctx) {
		count++
	}
	assert.Equal(t, 2, count)

	c.SetDown(true)
	_, err = c.Get(ctx, "t", "p", "r1")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeServiceUnavailable))
	it = c.Query(ctx, "t", backend.Query{})
	assert.False(t, it.Next(ctx))
	assert.Error(t, it.Err())
	c.SetDown(false)

	c.SetInterceptor(func(method, table string, ops []backend.Operation) error {
		if method == "execute" {
			return tableerrors.Unavailable("injected", nil)
		}
		return nil
	})
	_, err = c.Execute(ctx, "t", backend.Operation{Type: backend.OpInsertOrReplace, Row: newRow("p", "r9", 9)})
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeServiceUnavailable))
	_, err = c.Get(ctx, "t", "p", "r1")
	assert.NoError(t, err)
}

func TestTableClient_ListTables(t *testing.T) {
	ctx := context.Background()
	c := NewTableClient("a")
	require.NoError(t, c.CreateTableIfNotExists(ctx, "orders"))
	require.NoError(t, c.CreateTableIfNotExists(ctx, "invoices"))

	names, err := c.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices", "orders"}, names)

	require.NoError(t, c.DeleteTableIfExists(ctx, "orders"))
	names, err = c.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices"}, names)

	c.SetDown(true)
	_, err = c.ListTables(ctx)
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeServiceUnavailable))
}

func TestBlobStore_Preconditions(t *testing.T) {
	ctx := context.Background()
	s := NewBlobStore("loc1")

	_, _, err := s.Read(ctx, "k")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeNotFound))

	etag, err := s.Write(ctx, "k", []byte("a"), "")
	require.NoError(t, err)
	_, err = s.Write(ctx, "k", []byte("b"), "")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodePreconditionFailed))

	next, err := s.Write(ctx, "k", []byte("b"), etag)
	require.NoError(t, err)
	_, err = s.Write(ctx, "k", []byte("c"), etag)
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodePreconditionFailed))

	data, got, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
	assert.Equal(t, next, got)

	_, err = s.Write(ctx, "k", []byte("d"), backend.AnyETag)
	require.NoError(t, err)

	s.SetDown(true)
	assert.Error(t, s.Ping(ctx))
}
