package service

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/metrics"
	"github.com/devrev/chaintable/internal/model"
	"github.com/devrev/chaintable/internal/quorum"
)

// ConfigStore is the quorum-replicated document store holding the configuration
type ConfigStore interface {
	Read(ctx context.Context) (*quorum.ReadResult, error)
	Write(ctx context.Context, expectedID, nextID string, value []byte) error
	Ping(ctx context.Context) (int, error)
}

// ConfigManagerOptions tunes the refresh loop
type ConfigManagerOptions struct {
	// DefaultLease applies to configurations that do not set a lease
	DefaultLease       time.Duration
	RefreshMargin      time.Duration
	MinRefreshInterval time.Duration
}

type configSnapshot struct {
	config      *model.Configuration
	views       map[string]*model.View
	refreshedAt time.Time
}

func (s *configSnapshot) expired(now time.Time) bool {
	return now.Sub(s.refreshedAt) >= s.config.LeaseDuration()
}

// ConfigManager caches the current configuration as an immutable snapshot and
// keeps it fresh in the background.
type ConfigManager struct {
	store    ConfigStore
	resolver model.ClientResolver
	opts     ConfigManagerOptions
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	current   atomic.Pointer[configSnapshot]
	refreshMu sync.Mutex

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewConfigManager creates a manager; call Start to run the refresh loop.
func NewConfigManager(
	store ConfigStore,
	resolver model.ClientResolver,
	opts ConfigManagerOptions,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ConfigManager {
	if opts.DefaultLease <= 0 {
		opts.DefaultLease = 60 * time.Second
	}
	if opts.MinRefreshInterval <= 0 {
		opts.MinRefreshInterval = time.Second
	}
	return &ConfigManager{
		store:    store,
		resolver: resolver,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start loads the configuration once and starts the background refresh.
func (m *ConfigManager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		if err := m.Refresh(ctx); err != nil {
			m.logger.Warn("Initial configuration load failed", zap.Error(err))
		}
		m.started.Store(true)
		go m.refreshLoop()
	})
}

// Stop ends the background refresh
func (m *ConfigManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.doneCh
		}
		m.logger.Info("Configuration manager stopped")
	})
}

// RefreshInterval is max(lease/2 - margin, min interval) for the cached lease.
func (m *ConfigManager) RefreshInterval() time.Duration {
	lease := m.opts.DefaultLease
	if snap := m.current.Load(); snap != nil {
		lease = snap.config.LeaseDuration()
	}
	interval := lease/2 - m.opts.RefreshMargin
	if interval < m.opts.MinRefreshInterval {
		interval = m.opts.MinRefreshInterval
	}
	return interval
}

func (m *ConfigManager) refreshLoop() {
	defer close(m.doneCh)

	timer := time.NewTimer(m.RefreshInterval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.RefreshInterval())
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("Failed to refresh configuration", zap.Error(err))
			}
			cancel()
			timer.Reset(m.RefreshInterval())
		case <-m.stopCh:
			return
		}
	}
}

// Refresh quorum-reads the configuration and swaps the cached snapshot. On
// failure the previous snapshot is kept.
func (m *ConfigManager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	started := m.now()
	res, err := m.store.Read(ctx)
	if err != nil {
		m.metrics.RecordRefresh("failed")
		m.metrics.RecordQuorumFailure("read", quorum.KindOf(err).String())
		return err
	}

	cfg, err := decodeConfiguration(res.Value)
	if err != nil {
		m.metrics.RecordRefresh("failed")
		return err
	}
	if cfg.LeaseDurationSeconds <= 0 {
		cfg.LeaseDurationSeconds = int64(m.opts.DefaultLease / time.Second)
	}

	snap, err := m.buildSnapshot(cfg, started)
	if err != nil {
		m.metrics.RecordRefresh("failed")
		return err
	}

	previous := m.current.Swap(snap)
	m.metrics.RecordRefresh("ok")
	for name, v := range snap.views {
		m.metrics.SetViewID(name, v.ViewID)
	}
	if previous == nil || previous.config.ID != cfg.ID {
		m.logger.Info("Configuration refreshed",
			zap.String("config_id", cfg.ID),
			zap.Int("views", len(cfg.Views)),
			zap.Int("tables", len(cfg.Tables)))
	}
	return nil
}

// buildSnapshot resolves every view against the client registry. The
// refresh start time is used so the lease never outlives the read.
func (m *ConfigManager) buildSnapshot(cfg *model.Configuration, refreshedAt time.Time) (*configSnapshot, error) {
	snap := &configSnapshot{
		config:      cfg,
		views:       make(map[string]*model.View, len(cfg.Views)),
		refreshedAt: refreshedAt,
	}
	for i := range cfg.Views {
		v, err := model.NewView(&cfg.Views[i], cfg.LeaseDuration(), refreshedAt, m.resolver)
		if err != nil {
			return nil, err
		}
		snap.views[v.Name] = v
	}
	return snap, nil
}

func decodeConfiguration(data []byte) (*model.Configuration, error) {
	var cfg model.Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, tableerrors.Internal("failed to decode configuration", err)
	}
	return &cfg, nil
}

// snapshot returns a non-expired snapshot, refreshing synchronously if needed.
func (m *ConfigManager) snapshot(ctx context.Context) (*configSnapshot, error) {
	snap := m.current.Load()
	if snap != nil && !snap.expired(m.now()) {
		return snap, nil
	}
	if err := m.Refresh(ctx); err != nil {
		return nil, tableerrors.Unavailable("configuration unavailable", err)
	}
	snap = m.current.Load()
	if snap == nil || snap.expired(m.now()) {
		return nil, tableerrors.Unavailable("configuration lease expired", nil)
	}
	return snap, nil
}

// GetView returns the current snapshot of a view
func (m *ConfigManager) GetView(ctx context.Context, name string) (*model.View, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := snap.views[name]
	if !ok {
		return nil, tableerrors.New(tableerrors.ErrCodeNotFound, fmt.Sprintf("view not found: %s", name), nil).
			WithDetail("view", name)
	}
	return v, nil
}

// GetTableView resolves the view replicating a table
func (m *ConfigManager) GetTableView(ctx context.Context, table string) (*model.View, model.TableRoute, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, model.TableRoute{}, err
	}
	route, ok := snap.config.Route(table)
	if !ok {
		return nil, model.TableRoute{}, tableerrors.TableNotFound(table).WithDetail("reason", "no table route")
	}
	v, ok := snap.views[route.ViewName]
	if !ok {
		return nil, model.TableRoute{}, tableerrors.Configuration(fmt.Sprintf("table %q routed to unknown view %q", table, route.ViewName))
	}
	return v, route, nil
}

// CurrentViewID reports the generation of a view in the cached snapshot. It
// never refreshes, so an operation can check mid-flight that the chain it
// runs on is still the published one.
func (m *ConfigManager) CurrentViewID(name string) (int64, bool) {
	snap := m.current.Load()
	if snap == nil {
		return 0, false
	}
	v, ok := snap.views[name]
	if !ok || v.IsExpired(m.now()) {
		return 0, false
	}
	return v.ViewID, true
}

// GetConfiguration returns a copy of the cached configuration
func (m *ConfigManager) GetConfiguration(ctx context.Context) (*model.Configuration, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.config.Clone(), nil
}

// Healthy reports whether a non-expired configuration is cached
func (m *ConfigManager) Healthy() bool {
	snap := m.current.Load()
	return snap != nil && !snap.expired(m.now())
}

// PingStore reports how many configuration locations are reachable
func (m *ConfigManager) PingStore(ctx context.Context) (int, error) {
	return m.store.Ping(ctx)
}

// UpdateConfiguration applies mutate to the latest published configuration
// and publishes the result. Every view whose content changed gets the next
// view id. The write blocks for the store's drain period.
func (m *ConfigManager) UpdateConfiguration(ctx context.Context, mutate func(cfg *model.Configuration) error) (*model.Configuration, error) {
	current := &model.Configuration{}
	expectedID := ""

	res, err := m.store.Read(ctx)
	switch {
	case err == nil:
		if current, err = decodeConfiguration(res.Value); err != nil {
			return nil, err
		}
		expectedID = res.ID
	case quorum.KindOf(err) == quorum.FailureNotFound:
	default:
		m.metrics.RecordQuorumFailure("update", quorum.KindOf(err).String())
		return nil, err
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.LeaseDurationSeconds <= 0 {
		next.LeaseDurationSeconds = int64(m.opts.DefaultLease / time.Second)
	}
	bumpChangedViews(current, next)
	next.ID = uuid.NewString()
	next.Timestamp = m.now().UTC()

	if err := next.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.buildSnapshot(next, next.Timestamp); err != nil {
		return nil, err
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, tableerrors.Internal("failed to encode configuration", err)
	}

	m.logger.Info("Publishing configuration",
		zap.String("previous_id", expectedID),
		zap.String("config_id", next.ID))

	if err := m.store.Write(ctx, expectedID, next.ID, data); err != nil {
		m.metrics.RecordQuorumFailure("write", quorum.KindOf(err).String())
		return nil, err
	}

	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("Refresh after configuration update failed", zap.Error(err))
	}
	return next, nil
}

// ReplaceConfiguration publishes doc's views, routes and lease over the current
// configuration. View ids are assigned by UpdateConfiguration.
func (m *ConfigManager) ReplaceConfiguration(ctx context.Context, doc *model.Configuration) (*model.Configuration, error) {
	return m.UpdateConfiguration(ctx, func(cfg *model.Configuration) error {
		next := doc.Clone()
		cfg.Views = next.Views
		cfg.Tables = next.Tables
		if next.LeaseDurationSeconds > 0 {
			cfg.LeaseDurationSeconds = next.LeaseDurationSeconds
		}
		return nil
	})
}

// bumpChangedViews assigns view ids: a changed or new view gets one more than
// the highest id its name ever had, an unchanged view keeps its id. The high
// water marks are carried in next so a deleted view never reuses an id.
func bumpChangedViews(previous, next *model.Configuration) {
	highWater := make(map[string]int64, len(previous.ViewHighWater)+len(previous.Views))
	for name, id := range previous.ViewHighWater {
		highWater[name] = id
	}
	for _, v := range previous.Views {
		highWater[v.Name] = max(highWater[v.Name], v.ViewID)
	}

	for i := range next.Views {
		v := &next.Views[i]
		old := previous.FindView(v.Name)
		switch {
		case old == nil:
			if v.ViewID <= highWater[v.Name] {
				v.ViewID = highWater[v.Name] + 1
			}
		case viewContentEqual(old, v):
			v.ViewID = old.ViewID
		default:
			v.ViewID = max(old.ViewID, highWater[v.Name]) + 1
		}
		highWater[v.Name] = max(highWater[v.Name], v.ViewID)
	}

	if len(highWater) > 0 {
		next.ViewHighWater = highWater
	}
}

func viewContentEqual(a, b *model.ViewRecord) bool {
	return a.ReadViewHeadIndex == b.ReadViewHeadIndex && reflect.DeepEqual(a.Chain, b.Chain)
}

// Bootstrap publishes seed when the store holds no configuration yet.
func (m *ConfigManager) Bootstrap(ctx context.Context, seed *model.Configuration) (bool, error) {
	_, err := m.store.Read(ctx)
	if err == nil {
		return false, nil
	}
	if quorum.KindOf(err) != quorum.FailureNotFound {
		return false, err
	}

	_, err = m.UpdateConfiguration(ctx, func(cfg *model.Configuration) error {
		*cfg = *seed.Clone()
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
