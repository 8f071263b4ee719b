package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
	"github.com/devrev/chaintable/internal/util/workerpool"
)

func (c *testCluster) newReconfigurator(pool *workerpool.WorkerPool) *Reconfigurator {
	r := NewReconfigurator(c.manager, c.engine, pool, time.Second, zap.NewNop())
	r.sleep = noSleep
	return r
}

func TestTurnReplicaOn_BackfillsAndStabilizes(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"}, "c")
	e := c.engine

	for _, rk := range []string{"r1", "r2", "r3"} {
		_, err := e.Insert(ctx, testTable, entity("p1", rk, "", model.Properties{"rk": rk}))
		require.NoError(t, err)
	}

	r := c.newReconfigurator(nil)
	status, err := r.TurnReplicaOn(ctx, "main", "c")
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	view, err := c.manager.GetView(ctx, "main")
	require.NoError(t, err)
	assert.True(t, view.IsStable())
	assert.Equal(t, []string{"c", "a", "b"}, view.Endpoints())
	assert.Equal(t, int64(4), view.ViewID)
	assert.Equal(t, int64(3), view.Head().Info.ViewInWhichAddedToChain)
	for _, replica := range view.Chain {
		assert.Equal(t, model.ReplicaStatusReadWrite, replica.Info.Status)
	}

	for _, rk := range []string{"r1", "r2", "r3"} {
		meta, props, ok := c.physical("c", "p1", rk)
		require.True(t, ok, rk)
		assert.Equal(t, int64(0), meta.Version, rk)
		assert.Equal(t, int64(3), meta.ViewID, rk)
		assert.Equal(t, rk, props["rk"])
	}

	ent, err := e.Replace(ctx, testTable, entity("p1", "r1", "0", model.Properties{"rk": "r1", "v": 2}))
	require.NoError(t, err)
	assert.Equal(t, "1", ent.ETag)
	meta, _, _ := c.physical("c", "p1", "r1")
	assert.Equal(t, int64(1), meta.Version)

	t.Run("already active", func(t *testing.T) {
		_, err := r.TurnReplicaOn(ctx, "main", "c")
		assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration))
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		_, err := r.TurnReplicaOn(ctx, "main", "zz")
		assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration))

		after, err := c.manager.GetView(ctx, "main")
		require.NoError(t, err)
		assert.Equal(t, view.ViewID, after.ViewID, "nothing published")
	})

	t.Run("unknown view", func(t *testing.T) {
		_, err := r.TurnReplicaOn(ctx, "other", "c")
		assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration))
	})
}

func TestTurnReplicaOn_OldViewServesWritesDuringDrain(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"}, "c")

	// A client that loaded the configuration before the reconfiguration began
	staleManager := c.newManager()
	require.NoError(t, staleManager.Refresh(ctx))
	stale := c.newEngine(staleManager)

	r := c.newReconfigurator(nil)
	drained := false
	r.sleep = func(ctx context.Context, d time.Duration) error {
		drained = true
		assert.Equal(t, time.Minute+time.Second, d)

		ent, err := stale.Insert(ctx, testTable, entity("p1", "late", "", model.Properties{"n": 1}))
		require.NoError(t, err)
		assert.Equal(t, "0", ent.ETag)
		_, _, ok := c.physical("c", "p1", "late")
		assert.False(t, ok)

		// Clients on the published view cannot write until step 3
		_, err = c.engine.Insert(ctx, testTable, entity("p1", "other", "", model.Properties{}))
		assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeServiceUnavailable))
		return nil
	}

	status, err := r.TurnReplicaOn(ctx, "main", "c")
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)
	assert.True(t, drained)

	meta, _, ok := c.physical("c", "p1", "late")
	require.True(t, ok, "write made through the old view is backfilled")
	assert.False(t, meta.RowLock)

	got, err := c.engine.Retrieve(ctx, testTable, "p1", "late")
	require.NoError(t, err)
	assert.Equal(t, "0", got.ETag)
}

func TestTurnReplicaOn_ResumesAfterIncompleteBackfill(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"}, "c")
	e := c.engine

	for _, rk := range []string{"r1", "r2", "r3"} {
		_, err := e.Insert(ctx, testTable, entity("p1", rk, "", model.Properties{}))
		require.NoError(t, err)
	}

	c.replicas["c"].SetInterceptor(func(method, table string, ops []backend.Operation) error {
		if method == "execute" && len(ops) == 1 && ops[0].Row.RowKey == "r2" {
			return tableerrors.Unavailable("disk full", nil)
		}
		return nil
	})

	r := c.newReconfigurator(nil)
	status, err := r.TurnReplicaOn(ctx, "main", "c")
	require.NoError(t, err)
	assert.True(t, status.Has(tableerrors.ReconfigFaultyWriteView))

	view, err := c.manager.GetView(ctx, "main")
	require.NoError(t, err)
	assert.False(t, view.IsStable())
	assert.Equal(t, model.ReplicaStatusWriteOnly, view.Head().Info.Status)
	addedIn := view.Head().Info.ViewInWhichAddedToChain

	meta, _, _ := c.physical("a", "p1", "r2")
	assert.False(t, meta.RowLock, "read head unlocked after failed copy")

	c.replicas["c"].SetInterceptor(nil)
	status, err = r.TurnReplicaOn(ctx, "main", "c")
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	view, err = c.manager.GetView(ctx, "main")
	require.NoError(t, err)
	assert.True(t, view.IsStable())
	assert.Equal(t, addedIn, view.Head().Info.ViewInWhichAddedToChain)

	_, _, ok := c.physical("c", "p1", "r2")
	assert.True(t, ok)
}

func TestTurnReplicaOn_BackfillsDefaultRoutedTables(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a"}, "b")
	e := c.engine

	require.NoError(t, e.CreateTable(ctx, "invoices"))
	_, err := e.Insert(ctx, "invoices", entity("p1", "i1", "", model.Properties{"total": 10}))
	require.NoError(t, err)

	r := c.newReconfigurator(nil)
	status, err := r.TurnReplicaOn(ctx, "main", "b")
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	meta, props, ok := c.physicalIn("b", "invoices", "p1", "i1")
	require.True(t, ok, "table reached through the default route is backfilled")
	assert.False(t, meta.RowLock)
	assert.EqualValues(t, 10, props["total"])
}

func TestTurnReplicaOn_EmptyView(t *testing.T) {
	ctx := context.Background()
	seed := defaultSeed("a")
	seed.Views = append(seed.Views, model.ViewRecord{Name: "spare"})
	c := newClusterFromSeed(t, seed, []string{"a", "b"})

	r := c.newReconfigurator(nil)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("an empty view has nobody to drain")
		return nil
	}

	status, err := r.TurnReplicaOn(ctx, "spare", "b")
	require.NoError(t, err)
	assert.Equal(t, tableerrors.ReconfigSuccess, status)

	view, err := c.manager.GetView(ctx, "spare")
	require.NoError(t, err)
	assert.True(t, view.IsStable())
	assert.Equal(t, []string{"b"}, view.Endpoints())
	assert.Equal(t, model.ReplicaStatusReadWrite, view.Head().Info.Status)
}

func TestTurnReplicaOnAsync(t *testing.T) {
	c := newTestCluster(t, []string{"a"}, "b")

	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "reconfig", MaxWorkers: 1, QueueSize: 2, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	r := c.newReconfigurator(pool)
	id, err := r.TurnReplicaOnAsync("main", "b")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ok := r.Job(id)
		return ok && (info.State == workerpool.JobSucceeded || info.State == workerpool.JobFailed)
	}, 5*time.Second, 10*time.Millisecond)

	info, _ := r.Job(id)
	assert.Equal(t, workerpool.JobSucceeded, info.State)
	assert.Equal(t, "success", info.Summary)

	_, ok := r.Job("missing")
	assert.False(t, ok)

	noPool := c.newReconfigurator(nil)
	_, err = noPool.TurnReplicaOnAsync("main", "b")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeServiceUnavailable))
}

func TestTurnReplicaOff(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b", "c"})
	r := c.newReconfigurator(nil)

	require.NoError(t, r.TurnReplicaOff(ctx, "main", "b"))

	cfg, err := c.manager.GetConfiguration(ctx)
	require.NoError(t, err)
	rec := cfg.FindView("main")
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.ViewID)
	off := rec.Chain[rec.IndexOf("b")]
	assert.Equal(t, model.ReplicaStatusNone, off.Status)
	assert.Equal(t, int64(1), off.ViewWhenTurnedOff)

	view, err := c.manager.GetView(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, view.Endpoints())

	ent, err := c.engine.Insert(ctx, testTable, entity("p1", "r1", "", model.Properties{}))
	require.NoError(t, err)
	assert.Equal(t, "0", ent.ETag)

	err = r.TurnReplicaOff(ctx, "main", "b")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration))
	err = r.TurnReplicaOff(ctx, "main", "zz")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration))

	require.NoError(t, r.TurnReplicaOff(ctx, "main", "a"))
	err = r.TurnReplicaOff(ctx, "main", "c")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration))
}

func TestTurnOffAdjustsReadHead(t *testing.T) {
	record := func() *model.ViewRecord {
		return &model.ViewRecord{
			Name:   "main",
			ViewID: 7,
			Chain: []model.ReplicaInfo{
				{Endpoint: "a", Status: model.ReplicaStatusWriteOnly},
				{Endpoint: "b", Status: model.ReplicaStatusReadWrite},
				{Endpoint: "c", Status: model.ReplicaStatusReadWrite},
			},
			ReadViewHeadIndex: 1,
		}
	}

	tests := []struct {
		name         string
		endpoint     string
		wantReadHead int
		wantErr      bool
	}{
		{name: "write only head", endpoint: "a", wantReadHead: 0},
		{name: "read head", endpoint: "b", wantReadHead: 1},
		{name: "tail", endpoint: "c", wantReadHead: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record()
			err := turnOff(rec, tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReadHead, rec.ReadViewHeadIndex)
			assert.Equal(t, int64(7), rec.Chain[rec.IndexOf(tt.endpoint)].ViewWhenTurnedOff)
		})
	}

	rec := record()
	require.NoError(t, turnOff(rec, "c"))
	err := turnOff(rec, "b")
	assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration), "write only replica alone cannot serve reads")
}
