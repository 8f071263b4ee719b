package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/metrics"
	"github.com/devrev/chaintable/internal/model"
)

// ViewProvider resolves the chain serving a table
type ViewProvider interface {
	GetTableView(ctx context.Context, table string) (*model.View, model.TableRoute, error)
	// CurrentViewID reports the cached generation of a view without
	// refreshing. ok is false once the view is gone or its lease ran out.
	CurrentViewID(name string) (id int64, ok bool)
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EngineOptions tunes the chain protocol
type EngineOptions struct {
	LockTimeout   time.Duration
	LockWatermark time.Duration
	ClockSkew     time.Duration

	// PhysicalRetries bounds fresh-etag retries at non-head replicas
	PhysicalRetries int
	// InsertOrReplaceRetries bounds virtual conflict retries of upserts
	InsertOrReplaceRetries int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration

	RepairConcurrency   int
	RepairRowsPerSecond float64
	ConvertBatchSize    int
	BisectDepth         int
}

// DefaultEngineOptions returns the production defaults
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		LockTimeout:            60 * time.Second,
		LockWatermark:          10 * time.Second,
		ClockSkew:              5 * time.Second,
		PhysicalRetries:        3,
		InsertOrReplaceRetries: 10,
		RetryBaseDelay:         20 * time.Millisecond,
		RetryMaxDelay:          2 * time.Second,
		RepairConcurrency:      8,
		RepairRowsPerSecond:    500,
		ConvertBatchSize:       100,
		BisectDepth:            4,
	}
}

// commitDeadline is how long a writer may hold its lock before it must stop
// short of committing; past it a recovering writer may already be flushing.
func (o EngineOptions) commitDeadline() time.Duration {
	return o.LockTimeout - o.LockWatermark - o.ClockSkew
}

// Engine runs row operations across the chain of a view
type Engine struct {
	views   ViewProvider
	opts    EngineOptions
	metrics *metrics.Metrics
	logger  *zap.Logger

	now   func() time.Time
	sleep Sleeper

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewEngine creates a transaction engine
func NewEngine(views ViewProvider, opts EngineOptions, m *metrics.Metrics, logger *zap.Logger) *Engine {
	defaults := DefaultEngineOptions()
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaults.LockTimeout
	}
	if opts.PhysicalRetries <= 0 {
		opts.PhysicalRetries = defaults.PhysicalRetries
	}
	if opts.InsertOrReplaceRetries <= 0 {
		opts.InsertOrReplaceRetries = defaults.InsertOrReplaceRetries
	}
	if opts.RepairConcurrency <= 0 {
		opts.RepairConcurrency = defaults.RepairConcurrency
	}
	if opts.ConvertBatchSize <= 0 {
		opts.ConvertBatchSize = defaults.ConvertBatchSize
	}
	if opts.BisectDepth <= 0 {
		opts.BisectDepth = defaults.BisectDepth
	}
	return &Engine{
		views:   views,
		opts:    opts,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// replicaRow is one physical row decoded at one replica
type replicaRow struct {
	Meta      model.RowMeta
	Props     model.Properties
	ETag      string
	Timestamp time.Time
}

func (r *replicaRow) live() bool {
	return r != nil && !r.Meta.Tombstone
}

// rowContent is the replicated state written at every chain position
type rowContent struct {
	PartitionKey string
	RowKey       string
	Meta         model.RowMeta
	Props        model.Properties
}

// physical renders the content for one replica with the given lock state.
func (c rowContent) physical(locked bool) *backend.Row {
	meta := c.Meta
	meta.RowLock = locked
	meta.Legacy = false
	return &backend.Row{
		PartitionKey: c.PartitionKey,
		RowKey:       c.RowKey,
		Properties:   model.EncodeRow(meta, c.Props),
	}
}

func (c rowContent) entity(ts time.Time) *model.Entity {
	return &model.Entity{
		PartitionKey: c.PartitionKey,
		RowKey:       c.RowKey,
		ETag:         model.VersionToken(c.Meta.Version),
		Timestamp:    ts,
		Properties:   c.Props.Clone(),
	}
}

func contentOf(pk, rk string, r *replicaRow) rowContent {
	return rowContent{PartitionKey: pk, RowKey: rk, Meta: r.Meta, Props: r.Props}
}

func rowModeFor(route model.TableRoute) model.RowMode {
	if route.ConvertLegacy {
		return model.RowModeLegacy
	}
	return model.RowModeReplicated
}

func decodePhysical(row *backend.Row, mode model.RowMode) (*replicaRow, error) {
	meta, props, err := model.DecodeRow(row.Properties, mode)
	if err != nil {
		return nil, err
	}
	return &replicaRow{Meta: meta, Props: props, ETag: row.ETag, Timestamp: row.Timestamp}, nil
}

// readRow fetches and decodes a row at one replica. A missing row is (nil, nil).
func (e *Engine) readRow(ctx context.Context, replica model.Replica, table, pk, rk string, mode model.RowMode) (*replicaRow, error) {
	row, err := replica.Client.Get(ctx, table, pk, rk)
	e.recordCall(replica, err)
	if err != nil {
		if tableerrors.IsCode(err, tableerrors.ErrCodeNotFound) && !isTableMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodePhysical(row, mode)
}

func isTableMissing(err error) bool {
	var te *tableerrors.TableError
	if !errors.As(err, &te) {
		return false
	}
	_, ok := te.Details["table"]
	return ok
}

func (e *Engine) recordCall(replica model.Replica, err error) {
	status := "ok"
	if err != nil {
		status = tableerrors.GetCode(err).String()
	}
	e.metrics.RecordReplicaCall(replica.Info.Endpoint, status)
}

// validateRowView fails when a row was written by a newer view than ours.
func validateRowView(view *model.View, r *replicaRow) error {
	if r != nil && r.Meta.ViewID > view.ViewID {
		return tableerrors.StaleView(view.ViewID, r.Meta.ViewID)
	}
	return nil
}

// checkViewCurrent fails with StaleView once the view an operation started on
// has been superseded or its lease has run out.
func (e *Engine) checkViewCurrent(view *model.View) error {
	current, ok := e.views.CurrentViewID(view.Name)
	if !ok {
		return tableerrors.New(tableerrors.ErrCodeStaleView, fmt.Sprintf("view %s is no longer current", view.Name), nil).
			WithDetail("view_id", view.ViewID)
	}
	if current != view.ViewID {
		return tableerrors.StaleView(view.ViewID, current)
	}
	return nil
}

// checkCommitDeadline fails a writer that has held its lock long enough for a
// recovering writer to have taken the row over. A zero lockedAt is not bound.
func (e *Engine) checkCommitDeadline(lockedAt time.Time) error {
	if lockedAt.IsZero() {
		return nil
	}
	if held := e.now().Sub(lockedAt); held > e.opts.commitDeadline() {
		return tableerrors.Unavailable(fmt.Sprintf("row lock held for %v, past the commit deadline", held), nil)
	}
	return nil
}

// checkOverwrite refuses to move a replica backwards. A newer version there,
// or a different committed copy of the same version, means another writer has
// already passed this position. Rows left from an earlier membership of the
// replica carry no authority and are overwritten.
func checkOverwrite(replica model.Replica, current *replicaRow, content rowContent) error {
	if current == nil || current.Meta.ViewID < replica.Info.ViewInWhichAddedToChain {
		return nil
	}
	endpoint := replica.Info.Endpoint
	switch {
	case current.Meta.Version > content.Meta.Version:
	case current.Meta.Version == content.Meta.Version && !current.Meta.RowLock && !sameWrite(current, content):
	default:
		return nil
	}
	return tableerrors.Conflict(fmt.Sprintf("row %s/%s at %s holds version %d, newer than version %d being written",
		content.PartitionKey, content.RowKey, endpoint, current.Meta.Version, content.Meta.Version)).
		WithDetail("replica", endpoint)
}

// sameWrite reports whether a replica copy came from the write being
// propagated, either the same lock or identical content.
func sameWrite(current *replicaRow, content rowContent) bool {
	if !content.Meta.LockAcquisition.IsZero() && current.Meta.LockAcquisition.Equal(content.Meta.LockAcquisition) {
		return true
	}
	if current.Meta.Tombstone != content.Meta.Tombstone || len(current.Props) != len(content.Props) {
		return false
	}
	for k, v := range content.Props {
		other, ok := current.Props[k]
		if !ok || !reflect.DeepEqual(other, v) {
			return false
		}
	}
	return true
}

// writableView resolves a table's view and checks it accepts writes.
func (e *Engine) writableView(ctx context.Context, table string) (*model.View, model.TableRoute, error) {
	view, route, err := e.views.GetTableView(ctx, table)
	if err != nil {
		return nil, route, err
	}
	if view.IsEmpty() {
		return nil, route, tableerrors.Unavailable(fmt.Sprintf("view %s has no replicas", view.Name), nil)
	}
	if !view.IsWritable() {
		return nil, route, tableerrors.Unavailable(fmt.Sprintf("view %s is not accepting writes", view.Name), nil).
			WithDetail("view_id", view.ViewID)
	}
	return view, route, nil
}

func (e *Engine) readableView(ctx context.Context, table string) (*model.View, model.TableRoute, error) {
	view, route, err := e.views.GetTableView(ctx, table)
	if err != nil {
		return nil, route, err
	}
	if view.IsEmpty() {
		return nil, route, tableerrors.Unavailable(fmt.Sprintf("view %s has no replicas", view.Name), nil)
	}
	return view, route, nil
}

// observe records an operation outcome
func (e *Engine) observe(op, table string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = tableerrors.GetCode(err).String()
		if tableerrors.IsCode(err, tableerrors.ErrCodeConflict) {
			e.metrics.RecordConflict(table)
		}
	}
	e.metrics.RecordOperation(op, status, e.now().Sub(started))
}

// CreateTable creates the table at every replica of its view
func (e *Engine) CreateTable(ctx context.Context, table string) (err error) {
	started := e.now()
	defer func() { e.observe("CreateTable", table, started, err) }()

	if err := validateTableName(table); err != nil {
		return err
	}
	view, _, err := e.views.GetTableView(ctx, table)
	if err != nil {
		return err
	}
	if view.IsEmpty() {
		return tableerrors.Unavailable(fmt.Sprintf("view %s has no replicas", view.Name), nil)
	}
	for _, replica := range view.Chain {
		err := replica.Client.CreateTableIfNotExists(ctx, table)
		e.recordCall(replica, err)
		if err != nil {
			return err
		}
	}
	e.logger.Info("Table created",
		zap.String("table", table),
		zap.Strings("replicas", view.Endpoints()))
	return nil
}

// DeleteTable drops the table tail first so readers stop seeing it before the head does.
func (e *Engine) DeleteTable(ctx context.Context, table string) (err error) {
	started := e.now()
	defer func() { e.observe("DeleteTable", table, started, err) }()

	view, _, err := e.views.GetTableView(ctx, table)
	if err != nil {
		return err
	}
	for i := len(view.Chain) - 1; i >= 0; i-- {
		replica := view.Chain[i]
		err := replica.Client.DeleteTableIfExists(ctx, table)
		e.recordCall(replica, err)
		if err != nil {
			return err
		}
	}
	e.logger.Info("Table deleted", zap.String("table", table))
	return nil
}

// TableExists asks the tail, falling back toward the read head
func (e *Engine) TableExists(ctx context.Context, table string) (bool, error) {
	view, _, err := e.readableView(ctx, table)
	if err != nil {
		return false, err
	}
	var lastErr error
	for i := view.TailIndex(); i >= view.ReadHeadIndex; i-- {
		replica := view.Chain[i]
		exists, err := replica.Client.TableExists(ctx, table)
		e.recordCall(replica, err)
		if err == nil {
			return exists, nil
		}
		if !tableerrors.IsCode(err, tableerrors.ErrCodeServiceUnavailable) {
			return false, err
		}
		lastErr = err
	}
	return false, lastErr
}

func validateTableName(table string) error {
	if table == "" {
		return tableerrors.InvalidArgument("table name is required")
	}
	return nil
}

// backoff returns a jittered exponential delay for attempt (0-based).
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.RetryBaseDelay << uint(attempt)
	if d <= 0 || d > e.opts.RetryMaxDelay {
		d = e.opts.RetryMaxDelay
	}
	if d <= 0 {
		return 0
	}
	e.randMu.Lock()
	jitter := time.Duration(e.rand.Int63n(int64(d)/2 + 1))
	e.randMu.Unlock()
	return d/2 + jitter
}
