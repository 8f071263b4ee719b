package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

type stubClient struct {
	backend.TableClient
	endpoint string
}

func (s *stubClient) Endpoint() string { return s.endpoint }

type stubResolver struct{}

func (stubResolver) Resolve(endpoint string) (backend.TableClient, error) {
	if endpoint == "missing" {
		return nil, tableerrors.Configuration("unknown")
	}
	return &stubClient{endpoint: endpoint}, nil
}

func chain(statuses ...ReplicaStatus) []ReplicaInfo {
	out := make([]ReplicaInfo, len(statuses))
	for i, s := range statuses {
		out[i] = ReplicaInfo{Endpoint: string(rune('a' + i)), Status: s}
	}
	return out
}

func validConfig() *Configuration {
	return &Configuration{
		ID:                   "c1",
		LeaseDurationSeconds: 10,
		Views: []ViewRecord{
			{Name: "v1", ViewID: 3, Chain: chain(ReplicaStatusReadWrite, ReplicaStatusReadWrite, ReplicaStatusReadWrite)},
		},
		Tables: []TableRoute{
			{TableName: "orders", ViewName: "v1"},
			{ViewName: "v1", UseAsDefault: true},
		},
	}
}

func TestReplicaStatus_TextRoundTrip(t *testing.T) {
	info := ReplicaInfo{Endpoint: "a", Status: ReplicaStatusWriteOnly, ViewInWhichAddedToChain: 4}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"write_only"`)

	var back ReplicaInfo
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, info, back)

	var fromYAML ReplicaInfo
	require.NoError(t, yaml.Unmarshal([]byte("endpoint: b\nstatus: read_only\n"), &fromYAML))
	assert.Equal(t, ReplicaStatusReadOnly, fromYAML.Status)

	var bad ReplicaStatus
	assert.Error(t, bad.UnmarshalText([]byte("sideways")))
}

func TestConfiguration_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
		ok     bool
	}{
		{"valid", func(c *Configuration) {}, true},
		{"non-positive lease", func(c *Configuration) { c.LeaseDurationSeconds = 0 }, false},
		{"duplicate view", func(c *Configuration) { c.Views = append(c.Views, c.Views[0]) }, false},
		{"duplicate endpoint", func(c *Configuration) { c.Views[0].Chain[1].Endpoint = "a" }, false},
		{"read head out of range", func(c *Configuration) { c.Views[0].ReadViewHeadIndex = 3 }, false},
		{"write only ahead of read head", func(c *Configuration) {
			c.Views[0].Chain[0].Status = ReplicaStatusWriteOnly
			c.Views[0].ReadViewHeadIndex = 1
		}, true},
		{"read write ahead of read head", func(c *Configuration) { c.Views[0].ReadViewHeadIndex = 1 }, false},
		{"write only behind read head", func(c *Configuration) { c.Views[0].Chain[2].Status = ReplicaStatusWriteOnly }, false},
		{"all read only", func(c *Configuration) {
			for i := range c.Views[0].Chain {
				c.Views[0].Chain[i].Status = ReplicaStatusReadOnly
			}
		}, true},
		{"mixed read only", func(c *Configuration) { c.Views[0].Chain[1].Status = ReplicaStatusReadOnly }, false},
		{"none replicas ignored", func(c *Configuration) {
			c.Views[0].Chain[0].Status = ReplicaStatusNone
			for i := 1; i < 3; i++ {
				c.Views[0].Chain[i].Status = ReplicaStatusReadOnly
			}
		}, true},
		{"unknown view route", func(c *Configuration) { c.Tables[0].ViewName = "nope" }, false},
		{"two defaults", func(c *Configuration) { c.Tables[0].UseAsDefault = true }, false},
		{"duplicate route", func(c *Configuration) { c.Tables = append(c.Tables, c.Tables[0]) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration))
		})
	}
}

func TestConfiguration_RouteAndClone(t *testing.T) {
	c := validConfig()

	route, ok := c.Route("orders")
	require.True(t, ok)
	assert.False(t, route.UseAsDefault)

	route, ok = c.Route("anything")
	require.True(t, ok)
	assert.Equal(t, "anything", route.TableName)
	assert.Equal(t, "v1", route.ViewName)

	clone := c.Clone()
	clone.Views[0].Chain[0].Status = ReplicaStatusNone
	assert.Equal(t, ReplicaStatusReadWrite, c.Views[0].Chain[0].Status)
	assert.Equal(t, []string{"orders"}, c.TablesForView("v1"))
}

func TestNewView_DropsInactiveReplicas(t *testing.T) {
	rec := &ViewRecord{
		Name:   "v1",
		ViewID: 7,
		Chain:  chain(ReplicaStatusNone, ReplicaStatusWriteOnly, ReplicaStatusReadWrite),
	}
	rec.ReadViewHeadIndex = 1

	now := time.Now()
	v, err := NewView(rec, 10*time.Second, now, stubResolver{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, v.Endpoints())
	assert.False(t, v.IsStable())
	assert.True(t, v.IsWritable())
	assert.Equal(t, "c", v.ReadHead().Info.Endpoint)
	assert.False(t, v.IsExpired(now.Add(9*time.Second)))
	assert.True(t, v.IsExpired(now.Add(10*time.Second)))

	rec.Chain = chain(ReplicaStatusReadOnly, ReplicaStatusReadOnly)
	rec.ReadViewHeadIndex = 0
	v, err = NewView(rec, time.Second, now, stubResolver{})
	require.NoError(t, err)
	assert.True(t, v.IsStable())
	assert.False(t, v.IsWritable())

	rec.Chain = []ReplicaInfo{{Endpoint: "missing", Status: ReplicaStatusReadWrite}}
	_, err = NewView(rec, time.Second, now, stubResolver{})
	assert.Error(t, err)

	empty, err := NewView(&ViewRecord{Name: "e"}, time.Second, now, stubResolver{})
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
	assert.False(t, empty.IsWritable())
}

func TestDecodeRow(t *testing.T) {
	acquired := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	meta := RowMeta{
		RowLock:         true,
		Version:         4,
		ViewID:          2,
		Operation:       OpKindMerge,
		BatchID:         "b-1",
		LockAcquisition: acquired,
	}
	stored := EncodeRow(meta, Properties{"name": "x", ColumnVersion: "ignored"})

	got, app, err := DecodeRow(stored, RowModeReplicated)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
	assert.Equal(t, Properties{"name": "x"}, app)

	t.Run("json round trip numbers", func(t *testing.T) {
		data, err := json.Marshal(stored)
		require.NoError(t, err)
		var decoded Properties
		require.NoError(t, json.Unmarshal(data, &decoded))

		got, _, err := DecodeRow(decoded, RowModeReplicated)
		require.NoError(t, err)
		assert.Equal(t, int64(4), got.Version)
		assert.True(t, got.LockAcquisition.Equal(acquired))
	})

	t.Run("legacy row", func(t *testing.T) {
		got, app, err := DecodeRow(Properties{"name": "old"}, RowModeLegacy)
		require.NoError(t, err)
		assert.True(t, got.Legacy)
		assert.Equal(t, int64(0), got.Version)
		assert.Equal(t, "old", app["name"])

		_, _, err = DecodeRow(Properties{"name": "old"}, RowModeReplicated)
		assert.True(t, tableerrors.IsCode(err, tableerrors.ErrCodeConfiguration))
	})
}

func TestRowMeta_LockExpired(t *testing.T) {
	now := time.Now()
	m := RowMeta{RowLock: true, LockAcquisition: now.Add(-time.Minute)}
	assert.True(t, m.LockExpired(now, time.Minute))
	assert.False(t, m.LockExpired(now, 2*time.Minute))
	m.RowLock = false
	assert.False(t, m.LockExpired(now, time.Second))
}

type order struct {
	Customer string
	ID       string
	Amount   int64
}

func (o *order) Keys() (string, string) { return o.Customer, o.ID }

func (o *order) Encode() (Properties, error) {
	return Properties{"amount": o.Amount}, nil
}

func (o *order) Decode(p Properties) error {
	n, err := toInt64(p["amount"])
	o.Amount = n
	return err
}

func TestCodec(t *testing.T) {
	e, err := ToEntity(&order{Customer: "c1", ID: "o1", Amount: 12}, "3")
	require.NoError(t, err)
	assert.Equal(t, "c1", e.PartitionKey)
	assert.Equal(t, "3", e.ETag)

	var back order
	require.NoError(t, FromEntity(e, &back))
	assert.Equal(t, int64(12), back.Amount)

	bad := &Entity{PartitionKey: "p", RowKey: "r", Properties: Properties{ColumnRowLock: true}}
	assert.True(t, tableerrors.IsCode(bad.Validate(), tableerrors.ErrCodeInvalidArgument))

	v, err := ParseVersionToken(VersionToken(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	_, err = ParseVersionToken("W/abc")
	assert.Error(t, err)
}
