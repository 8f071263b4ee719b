package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	"github.com/devrev/chaintable/internal/backend/memory"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
	"github.com/devrev/chaintable/internal/quorum"
)

const testTable = "orders"

func noSleep(ctx context.Context, d time.Duration) error {
	return nil
}

// testCluster wires in-memory replicas, a three location configuration store,
// a configuration manager and an engine.
type testCluster struct {
	t        *testing.T
	replicas map[string]*memory.TableClient
	registry *backend.Registry
	blobs    []*memory.BlobStore
	store    *quorum.Store
	manager  *ConfigManager
	engine   *Engine
}

func readWriteChain(endpoints ...string) []model.ReplicaInfo {
	chain := make([]model.ReplicaInfo, len(endpoints))
	for i, ep := range endpoints {
		chain[i] = model.ReplicaInfo{Endpoint: ep, ViewInWhichAddedToChain: 1, Status: model.ReplicaStatusReadWrite}
	}
	return chain
}

func defaultSeed(chain ...string) *model.Configuration {
	return &model.Configuration{
		LeaseDurationSeconds: 60,
		Views:                []model.ViewRecord{{Name: "main", Chain: readWriteChain(chain...)}},
		Tables: []model.TableRoute{
			{TableName: testTable, ViewName: "main"},
			{ViewName: "main", UseAsDefault: true},
		},
	}
}

// newTestCluster seeds one view "main" over chain. spare replicas are
// registered but not part of any view.
func newTestCluster(t *testing.T, chain []string, spare ...string) *testCluster {
	t.Helper()
	endpoints := append(append([]string{}, chain...), spare...)
	return newClusterFromSeed(t, defaultSeed(chain...), endpoints)
}

func newClusterFromSeed(t *testing.T, seed *model.Configuration, endpoints []string) *testCluster {
	t.Helper()
	ctx := context.Background()

	c := &testCluster{
		t:        t,
		replicas: make(map[string]*memory.TableClient),
		registry: backend.NewRegistry(),
	}
	for _, ep := range endpoints {
		client := memory.NewTableClient(ep)
		c.replicas[ep] = client
		c.registry.Register(client)
	}

	locations := make([]backend.BlobStore, 3)
	for i := range locations {
		blob := memory.NewBlobStore(fmt.Sprintf("location-%d", i+1))
		c.blobs = append(c.blobs, blob)
		locations[i] = blob
	}
	store, err := quorum.NewStore(locations, quorum.Config{Key: "chaintable", LeaseDuration: time.Minute, ClockSkew: time.Second}, zap.NewNop())
	require.NoError(t, err)
	store.SetSleeper(noSleep)
	c.store = store

	c.manager = c.newManager()
	created, err := c.manager.Bootstrap(ctx, seed)
	require.NoError(t, err)
	require.True(t, created)

	c.engine = c.newEngine(c.manager)
	for _, route := range seed.Tables {
		if route.TableName != "" {
			require.NoError(t, c.engine.CreateTable(ctx, route.TableName))
		}
	}
	return c
}

func (c *testCluster) newManager() *ConfigManager {
	return NewConfigManager(c.store, c.registry, ConfigManagerOptions{
		DefaultLease:       time.Minute,
		RefreshMargin:      5 * time.Second,
		MinRefreshInterval: time.Second,
	}, nil, zap.NewNop())
}

func (c *testCluster) newEngine(views ViewProvider) *Engine {
	opts := DefaultEngineOptions()
	opts.RetryBaseDelay = time.Millisecond
	opts.RetryMaxDelay = 5 * time.Millisecond
	e := NewEngine(views, opts, nil, zap.NewNop())
	e.sleep = noSleep
	return e
}

// physical decodes the stored row at one replica.
func (c *testCluster) physical(endpoint, pk, rk string) (model.RowMeta, model.Properties, bool) {
	return c.physicalIn(endpoint, testTable, pk, rk)
}

func (c *testCluster) physicalIn(endpoint, table, pk, rk string) (model.RowMeta, model.Properties, bool) {
	c.t.Helper()
	row, err := c.replicas[endpoint].Get(context.Background(), table, pk, rk)
	if tableerrors.IsCode(err, tableerrors.ErrCodeNotFound) {
		return model.RowMeta{}, nil, false
	}
	require.NoError(c.t, err)
	meta, props, err := model.DecodeRow(row.Properties, model.RowModeReplicated)
	require.NoError(c.t, err)
	return meta, props, true
}

// putPhysical writes a row with the given metadata straight to one replica.
func (c *testCluster) putPhysical(endpoint, pk, rk string, meta model.RowMeta, props model.Properties) {
	c.t.Helper()
	_, err := c.replicas[endpoint].Execute(context.Background(), testTable, backend.Operation{
		Type: backend.OpInsertOrReplace,
		Row:  &backend.Row{PartitionKey: pk, RowKey: rk, Properties: model.EncodeRow(meta, props)},
	})
	require.NoError(c.t, err)
}

// makeJoining publishes endpoint as a write only head in front of the
// current chain, leaving the view unstable.
func (c *testCluster) makeJoining(endpoint string) *model.View {
	c.t.Helper()
	ctx := context.Background()
	_, err := c.manager.UpdateConfiguration(ctx, func(cfg *model.Configuration) error {
		rec := cfg.FindView("main")
		joining := model.ReplicaInfo{
			Endpoint:                endpoint,
			Status:                  model.ReplicaStatusWriteOnly,
			ViewInWhichAddedToChain: rec.ViewID + 1,
		}
		rec.Chain = append([]model.ReplicaInfo{joining}, rec.Chain...)
		rec.ReadViewHeadIndex = 1
		return nil
	})
	require.NoError(c.t, err)
	require.NoError(c.t, c.replicas[endpoint].CreateTableIfNotExists(ctx, testTable))

	view, err := c.manager.GetView(ctx, "main")
	require.NoError(c.t, err)
	require.False(c.t, view.IsStable())
	return view
}

func entity(pk, rk, etag string, props model.Properties) *model.Entity {
	return &model.Entity{PartitionKey: pk, RowKey: rk, ETag: etag, Properties: props}
}
