package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOperation("insert", "ok", 10*time.Millisecond)
	m.RecordOperation("insert", "ok", 20*time.Millisecond)
	m.RecordConflict("orders")
	m.RecordQuorumFailure("read", "low_success_rate")
	m.SetViewID("v1", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("insert", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuorumFailures.WithLabelValues("read", "low_success_rate")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CurrentViewID.WithLabelValues("v1")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("insert", "ok", time.Millisecond)
		m.RecordRepair("success", time.Second)
		m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
		m.SetViewID("v", 1)
	})
}
