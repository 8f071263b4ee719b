package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
)

// RepairRow reconciles one row between the read view and the write view.
func (e *Engine) RepairRow(ctx context.Context, table, partitionKey, rowKey string) (status tableerrors.ReconfigStatus, err error) {
	started := e.now()
	defer func() { e.observe("RepairRow", table, started, err) }()

	if partitionKey == "" || rowKey == "" {
		return tableerrors.ReconfigSuccess, tableerrors.InvalidArgument("partition_key and row_key are required")
	}
	view, route, err := e.writableView(ctx, table)
	if err != nil {
		return tableerrors.ReconfigSuccess, err
	}
	return e.repairRow(ctx, view, table, partitionKey, rowKey, rowModeFor(route))
}

// repairRow copies a row from the read head to the write view. It is a no-op
// on a stable view or when the write head already holds a row written since
// it joined the chain.
func (e *Engine) repairRow(ctx context.Context, view *model.View, table, pk, rk string, mode model.RowMode) (tableerrors.ReconfigStatus, error) {
	if view.IsStable() {
		return tableerrors.ReconfigSuccess, nil
	}

	writeHead := view.Head()
	whRow, err := e.readRow(ctx, writeHead, table, pk, rk, mode)
	if err != nil {
		return tableerrors.ReconfigFaultyWriteView, err
	}
	if caughtUp(writeHead, whRow) {
		return tableerrors.ReconfigSuccess, nil
	}

	readHead := view.ReadHead()
	rhRow, err := e.readRow(ctx, readHead, table, pk, rk, mode)
	if err != nil {
		return tableerrors.ReconfigPartialFailure, err
	}

	if rhRow == nil {
		if whRow == nil {
			return tableerrors.ReconfigSuccess, nil
		}
		// Stray row left from an earlier membership of the write head
		stray := rowContent{
			PartitionKey: pk,
			RowKey:       rk,
			Meta: model.RowMeta{
				Version:   whRow.Meta.Version,
				Tombstone: true,
				ViewID:    view.ViewID,
				Operation: model.OpKindDelete,
			},
			Props: model.Properties{},
		}
		if _, err := e.writeObserved(ctx, writeHead, table, whRow, stray, false); err != nil {
			return tableerrors.ReconfigFaultyWriteView, err
		}
		e.metrics.RecordRowRepair("tombstoned")
		return tableerrors.ReconfigSuccess, nil
	}

	if rhRow.Meta.RowLock {
		if !rhRow.Meta.LockExpired(e.now(), e.opts.LockTimeout) {
			return tableerrors.ReconfigLockFailure, tableerrors.Conflict(fmt.Sprintf("row %s/%s is locked at the read head", pk, rk))
		}
		if _, err := e.flush(ctx, view, table, contentOf(pk, rk, rhRow), whRow, mode); err != nil {
			return tableerrors.ReconfigPartialFailure, err
		}
		e.metrics.RecordRowRepair("flushed")
		return tableerrors.ReconfigSuccess, nil
	}

	// Lock the read head copy so no other repairer moves it under us
	lockContent := contentOf(pk, rk, rhRow)
	lockContent.Meta.LockAcquisition = e.now()
	lockedRow, err := e.writeObserved(ctx, readHead, table, rhRow, lockContent, true)
	if err != nil {
		return tableerrors.ReconfigLockFailure, err
	}

	copyErr := e.copyToWriteView(ctx, view, table, pk, rk, rhRow, whRow, mode)

	status := tableerrors.ReconfigSuccess
	if copyErr != nil {
		status |= tableerrors.ReconfigFaultyWriteView
	}
	_, unlockErr := e.writeObserved(ctx, readHead, table, &replicaRow{ETag: lockedRow.ETag}, contentOf(pk, rk, rhRow), false)
	if unlockErr != nil {
		status |= tableerrors.ReconfigUnlockFailure
		e.logger.Warn("Failed to unlock read head after repair",
			zap.String("table", table),
			zap.String("partition_key", pk),
			zap.String("row_key", rk),
			zap.Error(unlockErr))
	}

	if copyErr != nil {
		return status, copyErr
	}
	if unlockErr != nil {
		return status, unlockErr
	}
	e.metrics.RecordRowRepair("copied")
	return status, nil
}

func caughtUp(writeHead model.Replica, row *replicaRow) bool {
	return row != nil && row.Meta.ViewID >= writeHead.Info.ViewInWhichAddedToChain
}

// copyToWriteView writes the read head content, stamped with the current
// view, to every replica in front of the read head. The write head copy is
// conditioned on the row observed there before the read head was locked.
func (e *Engine) copyToWriteView(ctx context.Context, view *model.View, table, pk, rk string, source, observedHead *replicaRow, mode model.RowMode) error {
	content := contentOf(pk, rk, source)
	content.Meta.ViewID = view.ViewID
	content.Meta.LockAcquisition = time.Time{}

	if _, err := e.writeObserved(ctx, view.Head(), table, observedHead, content, false); err != nil {
		if !tableerrors.IsCode(err, tableerrors.ErrCodeConflict) {
			return err
		}
		// A writer may have caught the row up in the meantime
		current, readErr := e.readRow(ctx, view.Head(), table, pk, rk, mode)
		if readErr != nil || !caughtUp(view.Head(), current) {
			return err
		}
	}

	for i := 1; i < view.ReadHeadIndex; i++ {
		if _, err := e.prepareReplica(ctx, view, i, table, content, false, mode); err != nil {
			if tableerrors.IsCode(err, tableerrors.ErrCodeConflict) {
				// A writer already moved this replica past the read head copy
				continue
			}
			return err
		}
	}
	return nil
}

// RepairTable reconciles every row of a table. On an unstable view it copies
// rows written at or after watermark from the read head and retires stray
// rows at the write head. On a stable view it reclaims tombstones. Per-row
// failures are accumulated into the returned status.
func (e *Engine) RepairTable(ctx context.Context, table string, watermark int64) (status tableerrors.ReconfigStatus, err error) {
	started := e.now()
	defer func() {
		e.metrics.RecordRepair(status.String(), e.now().Sub(started))
	}()

	view, route, err := e.views.GetTableView(ctx, table)
	if err != nil {
		return tableerrors.ReconfigPartialFailure, err
	}
	if view.IsEmpty() {
		return tableerrors.ReconfigPartialFailure, tableerrors.Unavailable(fmt.Sprintf("view %s has no replicas", view.Name), nil)
	}
	mode := rowModeFor(route)

	e.logger.Info("Starting table repair",
		zap.String("table", table),
		zap.String("view", view.Name),
		zap.Int64("view_id", view.ViewID),
		zap.Bool("stable", view.IsStable()),
		zap.Int64("watermark", watermark))

	if view.IsStable() {
		status = e.reclaimTombstones(ctx, view, table, mode)
	} else {
		status = e.repairUnstable(ctx, view, table, watermark, mode)
	}

	e.logger.Info("Table repair finished",
		zap.String("table", table),
		zap.String("status", status.String()),
		zap.Duration("duration", e.now().Sub(started)))
	return status, nil
}

// rowVisitor fans row work out with bounded concurrency and a rate limit,
// folding outcomes into one status.
type rowVisitor struct {
	ctx     context.Context
	group   errgroup.Group
	limiter *rate.Limiter

	mu     sync.Mutex
	status tableerrors.ReconfigStatus
}

func (e *Engine) newRowVisitor(ctx context.Context) *rowVisitor {
	limit := rate.Inf
	if e.opts.RepairRowsPerSecond > 0 {
		limit = rate.Limit(e.opts.RepairRowsPerSecond)
	}
	v := &rowVisitor{ctx: ctx, limiter: rate.NewLimiter(limit, e.opts.RepairConcurrency)}
	v.group.SetLimit(e.opts.RepairConcurrency)
	return v
}

func (v *rowVisitor) mark(flag tableerrors.ReconfigStatus) {
	v.mu.Lock()
	v.status |= flag
	v.mu.Unlock()
}

func (v *rowVisitor) visit(fn func(ctx context.Context) (tableerrors.ReconfigStatus, error)) {
	if err := v.limiter.Wait(v.ctx); err != nil {
		v.mark(tableerrors.ReconfigPartialFailure)
		return
	}
	v.group.Go(func() error {
		status, err := fn(v.ctx)
		if err != nil && status == tableerrors.ReconfigSuccess {
			status = tableerrors.ReconfigPartialFailure
		}
		v.mark(status)
		return nil
	})
}

func (v *rowVisitor) wait() tableerrors.ReconfigStatus {
	_ = v.group.Wait()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (e *Engine) repairUnstable(ctx context.Context, view *model.View, table string, watermark int64, mode model.RowMode) tableerrors.ReconfigStatus {
	visitor := e.newRowVisitor(ctx)

	repair := func(pk, rk string) {
		visitor.visit(func(ctx context.Context) (tableerrors.ReconfigStatus, error) {
			status, err := e.repairRow(ctx, view, table, pk, rk, mode)
			if err != nil {
				e.metrics.RecordRowRepair("failed")
				e.logger.Debug("Row repair failed",
					zap.String("table", table),
					zap.String("partition_key", pk),
					zap.String("row_key", rk),
					zap.String("status", status.String()),
					zap.Error(err))
			}
			return status, err
		})
	}

	skipped, err := e.scanReplica(ctx, view.ReadHead(), table, mode, func(row *backend.Row, meta model.RowMeta) {
		if meta.ViewID >= watermark {
			repair(row.PartitionKey, row.RowKey)
		}
	})
	if err != nil || skipped > 0 {
		e.logger.Warn("Read head scan incomplete",
			zap.String("table", table),
			zap.Int("skipped", skipped),
			zap.Error(err))
		visitor.mark(tableerrors.ReconfigPartialFailure)
	}

	skipped, err = e.scanReplica(ctx, view.Head(), table, mode, func(row *backend.Row, meta model.RowMeta) {
		if meta.ViewID < view.ViewID {
			repair(row.PartitionKey, row.RowKey)
		}
	})
	if err != nil || skipped > 0 {
		e.logger.Warn("Write head scan incomplete",
			zap.String("table", table),
			zap.Int("skipped", skipped),
			zap.Error(err))
		visitor.mark(tableerrors.ReconfigFaultyWriteView)
	}

	return visitor.wait()
}

// scanReplica streams every row of a table at one replica. Rows whose
// metadata cannot be decoded are skipped and counted.
func (e *Engine) scanReplica(ctx context.Context, replica model.Replica, table string, mode model.RowMode, fn func(row *backend.Row, meta model.RowMeta)) (int, error) {
	it := replica.Client.Query(ctx, table, backend.Query{})
	defer it.Close()

	skipped := 0
	for it.Next(ctx) {
		row := it.Row()
		meta, _, err := model.DecodeRow(row.Properties, mode)
		if err != nil {
			skipped++
			continue
		}
		fn(row, meta)
	}
	err := it.Err()
	e.recordCall(replica, err)
	return skipped, err
}

// reclaimTombstones physically deletes unlocked tombstones, tail first. A
// replica whose row no longer matches the tail's tombstone stops the walk.
func (e *Engine) reclaimTombstones(ctx context.Context, view *model.View, table string, mode model.RowMode) tableerrors.ReconfigStatus {
	visitor := e.newRowVisitor(ctx)

	_, err := e.scanReplica(ctx, view.Tail(), table, mode, func(row *backend.Row, meta model.RowMeta) {
		if !meta.Tombstone || meta.RowLock {
			return
		}
		pk, rk, version := row.PartitionKey, row.RowKey, meta.Version
		visitor.visit(func(ctx context.Context) (tableerrors.ReconfigStatus, error) {
			return e.reclaimRow(ctx, view, table, pk, rk, version, mode)
		})
	})
	if err != nil {
		visitor.mark(tableerrors.ReconfigPartialFailure)
	}
	return visitor.wait()
}

func (e *Engine) reclaimRow(ctx context.Context, view *model.View, table, pk, rk string, version int64, mode model.RowMode) (tableerrors.ReconfigStatus, error) {
	for i := view.TailIndex(); i >= 0; i-- {
		replica := view.Chain[i]
		row, err := e.readRow(ctx, replica, table, pk, rk, mode)
		if err != nil {
			return tableerrors.ReconfigPartialFailure, err
		}
		if row == nil {
			continue
		}
		if !row.Meta.Tombstone || row.Meta.RowLock || row.Meta.Version != version {
			// A writer revived the row; it owns the chain from here
			return tableerrors.ReconfigSuccess, nil
		}
		_, err = replica.Client.Execute(ctx, table, backend.Operation{
			Type: backend.OpDelete,
			Row:  &backend.Row{PartitionKey: pk, RowKey: rk},
			ETag: row.ETag,
		})
		e.recordCall(replica, err)
		if err != nil {
			if isPhysicalRace(err) {
				return tableerrors.ReconfigSuccess, nil
			}
			return tableerrors.ReconfigPartialFailure, err
		}
	}
	e.metrics.RecordRowRepair("reclaimed")
	return tableerrors.ReconfigSuccess, nil
}

// ConvertResult summarizes a legacy conversion
type ConvertResult struct {
	Converted int `json:"converted"`
	Failed    int `json:"failed"`
}

// ConvertLegacyTable stamps replication metadata on rows written before the
// table was replicated. It runs on a stable single-replica view; further
// replicas are added afterwards through TurnReplicaOn.
func (e *Engine) ConvertLegacyTable(ctx context.Context, table string) (result ConvertResult, err error) {
	started := e.now()
	defer func() { e.observe("ConvertLegacyTable", table, started, err) }()

	view, route, err := e.writableView(ctx, table)
	if err != nil {
		return result, err
	}
	if !route.ConvertLegacy {
		return result, tableerrors.Configuration(fmt.Sprintf("table %q is not routed for legacy conversion", table))
	}
	if !view.IsStable() || len(view.Chain) != 1 {
		return result, tableerrors.Configuration(fmt.Sprintf("legacy conversion needs a stable single replica view, %s has %d replicas", view.Name, len(view.Chain)))
	}
	head := view.Head()

	submit := func(ctx context.Context, rows []*backend.Row) error {
		ops := make([]backend.Operation, len(rows))
		for i, row := range rows {
			content := rowContent{
				PartitionKey: row.PartitionKey,
				RowKey:       row.RowKey,
				Meta:         model.RowMeta{Version: 0, ViewID: view.ViewID},
				Props:        row.Properties,
			}
			ops[i] = backend.Operation{Type: backend.OpReplace, Row: content.physical(false), ETag: row.ETag}
		}
		_, err := head.Client.ExecuteBatch(ctx, table, ops)
		e.recordCall(head, err)
		return err
	}

	var pending []*backend.Row
	drain := func() {
		if len(pending) == 0 {
			return
		}
		committed, failed := bisectBatch(ctx, pending, e.opts.BisectDepth, submit)
		result.Converted += len(committed)
		result.Failed += len(failed)
		for _, row := range failed {
			e.logger.Warn("Legacy row not converted",
				zap.String("table", table),
				zap.String("partition_key", row.PartitionKey),
				zap.String("row_key", row.RowKey))
		}
		pending = nil
	}

	it := head.Client.Query(ctx, table, backend.Query{})
	defer it.Close()
	for it.Next(ctx) {
		row := it.Row()
		if model.HasMeta(row.Properties) {
			continue
		}
		if len(pending) > 0 && (pending[0].PartitionKey != row.PartitionKey || len(pending) >= e.opts.ConvertBatchSize) {
			drain()
		}
		pending = append(pending, row)
	}
	if err := it.Err(); err != nil {
		return result, err
	}
	drain()

	e.logger.Info("Legacy conversion finished",
		zap.String("table", table),
		zap.Int("converted", result.Converted),
		zap.Int("failed", result.Failed))
	return result, nil
}
