package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported to gRPC health probes
const ServiceName = "chaintable"

// ConfigSource is the slice of the configuration manager the probes need
type ConfigSource interface {
	Healthy() bool
	PingStore(ctx context.Context) (int, error)
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	source  ConfigSource
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(source ConfigSource, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		source:  source,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler reports ready when a quorum of configuration locations
// answers and the cached configuration is inside its lease.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks, ready := h.Check(ctx)
	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	if ready {
		status.Status = "ready"
		writeStatus(w, http.StatusOK, status)
		return
	}
	status.Status = "not_ready"
	writeStatus(w, http.StatusServiceUnavailable, status)
}

// Check runs every readiness check
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string)
	ready := true

	if n, err := h.source.PingStore(ctx); err != nil {
		h.logger.Error("Configuration store health check failed", zap.Int("reachable", n), zap.Error(err))
		checks["config_store"] = "unhealthy: " + err.Error()
		ready = false
	} else {
		checks["config_store"] = "healthy"
	}

	if h.source.Healthy() {
		checks["configuration"] = "healthy"
	} else {
		checks["configuration"] = "unhealthy: lease expired"
		ready = false
	}

	return checks, ready
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// GRPCReporter mirrors configuration health into a gRPC health server.
type GRPCReporter struct {
	server   *health.Server
	source   ConfigSource
	interval time.Duration
	logger   *zap.Logger
}

// NewGRPCReporter creates a reporter polling source every interval
func NewGRPCReporter(server *health.Server, source ConfigSource, interval time.Duration, logger *zap.Logger) *GRPCReporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &GRPCReporter{server: server, source: source, interval: interval, logger: logger}
}

// Update sets the serving status once.
func (g *GRPCReporter) Update() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.source.Healthy() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.server.SetServingStatus(ServiceName, status)
	g.server.SetServingStatus("", status)
	return status
}

// Run updates the serving status until ctx is done, then reports the
// service as shut down.
func (g *GRPCReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	last := g.Update()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return
		case <-ticker.C:
			if status := g.Update(); status != last {
				g.logger.Info("gRPC serving status changed", zap.String("status", status.String()))
				last = status
			}
		}
	}
}
