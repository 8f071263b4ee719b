package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing, so
// components can be built without a registry.
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ConflictsTotal    *prometheus.CounterVec

	// Chain metrics
	FlushRecoveries *prometheus.CounterVec
	ReplicaCalls    *prometheus.CounterVec

	// Repair metrics
	RepairsTotal   *prometheus.CounterVec
	RepairDuration *prometheus.HistogramVec
	RowsRepaired   *prometheus.CounterVec

	// Configuration metrics
	QuorumFailures *prometheus.CounterVec
	ViewRefreshes  *prometheus.CounterVec
	CurrentViewID  *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics registered on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_operations_total",
				Help: "Total number of table operations by outcome",
			},
			[]string{"operation", "status"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chaintable_operation_duration_seconds",
				Help:    "Duration of table operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		ConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_conflicts_total",
				Help: "Total number of conflicts returned to callers",
			},
			[]string{"table"},
		),

		FlushRecoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_flush_recoveries_total",
				Help: "Locked rows driven to completion after their writer timed out",
			},
			[]string{"view", "status"},
		),

		ReplicaCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_replica_calls_total",
				Help: "Calls issued to replica backends",
			},
			[]string{"endpoint", "status"},
		),

		RepairsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_repairs_total",
				Help: "Total number of table repair runs",
			},
			[]string{"status"},
		),

		RepairDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chaintable_repair_duration_seconds",
				Help:    "Duration of table repair runs",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"status"},
		),

		RowsRepaired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_rows_repaired_total",
				Help: "Rows visited by repair by outcome",
			},
			[]string{"outcome"},
		),

		QuorumFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_quorum_failures_total",
				Help: "Configuration quorum failures by kind",
			},
			[]string{"operation", "kind"},
		),

		ViewRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_view_refreshes_total",
				Help: "Configuration refreshes by outcome",
			},
			[]string{"status"},
		),

		CurrentViewID: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chaintable_view_id",
				Help: "Current view id per view",
			},
			[]string{"view"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaintable_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chaintable_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordOperation records a table operation outcome
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConflict records a conflict returned to a caller
func (m *Metrics) RecordConflict(table string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(table).Inc()
}

// RecordFlush records a Flush2PC recovery
func (m *Metrics) RecordFlush(view, status string) {
	if m == nil {
		return
	}
	m.FlushRecoveries.WithLabelValues(view, status).Inc()
}

// RecordReplicaCall records one backend call
func (m *Metrics) RecordReplicaCall(endpoint, status string) {
	if m == nil {
		return
	}
	m.ReplicaCalls.WithLabelValues(endpoint, status).Inc()
}

// RecordRepair records a whole-table repair run
func (m *Metrics) RecordRepair(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(status).Inc()
	m.RepairDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRowRepair records one row visited by repair
func (m *Metrics) RecordRowRepair(outcome string) {
	if m == nil {
		return
	}
	m.RowsRepaired.WithLabelValues(outcome).Inc()
}

// RecordQuorumFailure records a configuration quorum failure
func (m *Metrics) RecordQuorumFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.QuorumFailures.WithLabelValues(operation, kind).Inc()
}

// RecordRefresh records a configuration refresh attempt
func (m *Metrics) RecordRefresh(status string) {
	if m == nil {
		return
	}
	m.ViewRefreshes.WithLabelValues(status).Inc()
}

// SetViewID publishes the current view id of a view
func (m *Metrics) SetViewID(view string, id int64) {
	if m == nil {
		return
	}
	m.CurrentViewID.WithLabelValues(view).Set(float64(id))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
