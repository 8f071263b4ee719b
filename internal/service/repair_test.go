package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
)

func TestRepairRow_CopiesFromReadHead(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"}, "c")
	e := c.engine

	_, err := e.Insert(ctx, testTable, entity("p1", "r1", "", model.Properties{"qty": 1}))
	require.NoError(t, err)

	view := c.makeJoining("c")
	require.Equal(t, int64(2), view.ViewID)

	status, err := e.RepairRow(ctx, testTable, "p1", "r1")
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	meta, props, ok := c.physical("c", "p1", "r1")
	require.True(t, ok)
	assert.False(t, meta.RowLock)
	assert.Equal(t, int64(0), meta.Version)
	assert.Equal(t, int64(2), meta.ViewID)
	assert.Equal(t, 1, props["qty"])

	source, _, _ := c.physical("a", "p1", "r1")
	assert.False(t, source.RowLock, "read head must be unlocked after repair")
	assert.Equal(t, int64(1), source.ViewID)

	// Caught up rows are left alone
	status, err = e.RepairRow(ctx, testTable, "p1", "r1")
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	t.Run("writes through the unstable view reach the new head", func(t *testing.T) {
		ent, err := e.Replace(ctx, testTable, entity("p1", "r1", "0", model.Properties{"qty": 2}))
		require.NoError(t, err)
		assert.Equal(t, "1", ent.ETag)

		for _, ep := range []string{"c", "a", "b"} {
			meta, _, ok := c.physical(ep, "p1", "r1")
			require.True(t, ok, ep)
			assert.Equal(t, int64(1), meta.Version, ep)
			assert.False(t, meta.RowLock, ep)
		}

		ent, err = e.Insert(ctx, testTable, entity("p9", "r9", "", model.Properties{}))
		require.NoError(t, err)
		assert.Equal(t, "0", ent.ETag)
	})

	t.Run("stray row at the write head is tombstoned", func(t *testing.T) {
		c.putPhysical("c", "p1", "stray", model.RowMeta{Version: 4}, model.Properties{"old": true})

		status, err := e.RepairRow(ctx, testTable, "p1", "stray")
		require.NoError(t, err)
		assert.Equal(t, tableerrors.ReconfigSuccess, status)

		meta, _, ok := c.physical("c", "p1", "stray")
		require.True(t, ok)
		assert.True(t, meta.Tombstone)
		assert.Equal(t, int64(2), meta.ViewID)

		_, err = e.Retrieve(ctx, testTable, "p1", "stray")
		assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeNotFound))
	})

	t.Run("locked read head", func(t *testing.T) {
		c.putPhysical("a", "p1", "busy", model.RowMeta{RowLock: true, ViewID: 1, LockAcquisition: time.Now()}, model.Properties{})

		status, err := e.RepairRow(ctx, testTable, "p1", "busy")
		assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConflict))
		assert.True(t, status.Has(tableerrors.ReconfigLockFailure))
	})

	t.Run("expired lock at the read head is flushed", func(t *testing.T) {
		c.putPhysical("a", "p1", "stuck", model.RowMeta{RowLock: true, ViewID: 1, LockAcquisition: time.Now().Add(-time.Hour)}, model.Properties{"n": 1})

		status, err := e.RepairRow(ctx, testTable, "p1", "stuck")
		require.NoError(t, err)
		assert.Equal(t, tableerrors.ReconfigSuccess, status)

		for _, ep := range []string{"c", "a", "b"} {
			meta, _, ok := c.physical(ep, "p1", "stuck")
			require.True(t, ok, ep)
			assert.False(t, meta.RowLock, ep)
			assert.Equal(t, int64(2), meta.ViewID, ep)
		}
	})
}

func TestRepairRow_NoopOnStableView(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"})

	status, err := c.engine.RepairRow(ctx, testTable, "p1", "nothing")
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	_, err = c.engine.RepairRow(ctx, testTable, "", "r1")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeInvalidArgument))
}

func TestRepairTable_BackfillsWriteHead(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"}, "c")
	e := c.engine

	for _, rk := range []string{"r1", "r2", "r3", "r4"} {
		_, err := e.Insert(ctx, testTable, entity("p1", rk, "", model.Properties{"rk": rk}))
		require.NoError(t, err)
	}
	_, err := e.Replace(ctx, testTable, entity("p1", "r2", "0", model.Properties{"rk": "r2", "v": 2}))
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, testTable, "p1", "r4", "*"))

	c.makeJoining("c")
	c.putPhysical("c", "p2", "stray", model.RowMeta{Version: 2}, model.Properties{})

	status, err := e.RepairTable(ctx, testTable, 0)
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	for _, rk := range []string{"r1", "r2", "r3", "r4"} {
		want, _, _ := c.physical("a", "p1", rk)
		got, _, ok := c.physical("c", "p1", rk)
		require.True(t, ok, rk)
		assert.Equal(t, want.Version, got.Version, rk)
		assert.Equal(t, want.Tombstone, got.Tombstone, rk)
		assert.Equal(t, int64(2), got.ViewID, rk)
		assert.False(t, want.RowLock, rk)
	}

	stray, _, ok := c.physical("c", "p2", "stray")
	require.True(t, ok)
	assert.True(t, stray.Tombstone)

	t.Run("faulty write head is reported", func(t *testing.T) {
		c.putPhysical("a", "p3", "new", model.RowMeta{ViewID: 1}, model.Properties{})
		c.replicas["c"].SetDown(true)
		defer c.replicas["c"].SetDown(false)

		status, err := e.RepairTable(ctx, testTable, 0)
		require.NoError(t, err)
		assert.True(t, status.Has(tableerrors.ReconfigFaultyWriteView))
	})
}

func TestRepairTable_ReclaimsTombstones(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b", "c"})
	e := c.engine

	for _, rk := range []string{"r1", "r2"} {
		_, err := e.Insert(ctx, testTable, entity("p1", rk, "", model.Properties{}))
		require.NoError(t, err)
	}
	require.NoError(t, e.Delete(ctx, testTable, "p1", "r1", "*"))

	status, err := e.RepairTable(ctx, testTable, 0)
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	for _, ep := range []string{"a", "b", "c"} {
		_, _, ok := c.physical(ep, "p1", "r1")
		assert.False(t, ok, ep)
		_, _, ok = c.physical(ep, "p1", "r2")
		assert.True(t, ok, ep)
	}

	_, err = e.Retrieve(ctx, testTable, "p1", "r1")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeNotFound))

	ent, err := e.Insert(ctx, testTable, entity("p1", "r1", "", model.Properties{}))
	require.NoError(t, err)
	assert.Equal(t, "0", ent.ETag)
}

func TestRepairTable_KeepsRevivedRows(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"})
	e := c.engine

	_, err := e.Insert(ctx, testTable, entity("p1", "r1", "", model.Properties{}))
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, testTable, "p1", "r1", "*"))

	// A writer has already locked the head for a re-insert
	c.putPhysical("a", "p1", "r1", model.RowMeta{RowLock: true, Version: 2, ViewID: 1, LockAcquisition: time.Now()}, model.Properties{})

	status, err := e.RepairTable(ctx, testTable, 0)
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	_, _, ok := c.physical("b", "p1", "r1")
	assert.False(t, ok, "tail tombstone is reclaimed")
	meta, _, ok := c.physical("a", "p1", "r1")
	require.True(t, ok, "locked head row is left to its writer")
	assert.True(t, meta.RowLock)
}

func TestBisectBatch(t *testing.T) {
	ctx := context.Background()
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	bad := map[int]bool{3: true, 7: true}

	var calls int
	submit := func(ctx context.Context, batch []int) error {
		calls++
		for _, v := range batch {
			if bad[v] {
				return errors.New("rejected")
			}
		}
		return nil
	}

	committed, failed := bisectBatch(ctx, items, 4, submit)
	assert.ElementsMatch(t, []int{1, 2, 4, 5, 6, 8}, committed)
	assert.ElementsMatch(t, []int{3, 7}, failed)
	assert.Equal(t, []int{1, 2}, committed[:2], "left halves are submitted first")

	calls = 0
	committed, failed = bisectBatch(ctx, items, 0, submit)
	assert.Empty(t, committed)
	assert.Equal(t, items, failed)
	assert.Equal(t, 1, calls)

	committed, failed = bisectBatch(ctx, []int{1, 2}, 4, submit)
	assert.Equal(t, []int{1, 2}, committed)
	assert.Empty(t, failed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	committed, failed = bisectBatch(cancelled, items, 4, submit)
	assert.Empty(t, committed)
	assert.Len(t, failed, len(items))
}

func TestScanReplicaSkipsUndecodableRows(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a"})
	e := c.engine

	_, err := e.Insert(ctx, testTable, entity("p1", "r1", "", model.Properties{}))
	require.NoError(t, err)
	_, err = c.replicas["a"].Execute(ctx, testTable, backend.Operation{
		Type: backend.OpInsert,
		Row:  &backend.Row{PartitionKey: "p1", RowKey: "raw", Properties: backend.Properties{"n": 1}},
	})
	require.NoError(t, err)

	view, err := c.manager.GetView(ctx, "main")
	require.NoError(t, err)

	var seen []string
	skipped, err := e.scanReplica(ctx, view.Head(), testTable, model.RowModeReplicated, func(row *backend.Row, meta model.RowMeta) {
		seen = append(seen, row.RowKey)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []string{"r1"}, seen)
}
