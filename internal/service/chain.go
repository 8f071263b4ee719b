package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
)

// isPhysicalRace reports a replica-local etag race. Those never reach callers
// as-is: at the head they become Conflict, elsewhere they are retried.
func isPhysicalRace(err error) bool {
	switch tableerrors.GetCode(err) {
	case tableerrors.ErrCodePreconditionFailed, tableerrors.ErrCodeAlreadyExists:
		return true
	case tableerrors.ErrCodeNotFound:
		return !isTableMissing(err)
	default:
		return false
	}
}

// writeObserved writes content at a replica conditioned on the row observed
// there earlier: Insert when nothing was observed, otherwise Replace on its
// physical etag. A race means another writer got there first.
func (e *Engine) writeObserved(ctx context.Context, replica model.Replica, table string, observed *replicaRow, content rowContent, locked bool) (*backend.Row, error) {
	op := backend.Operation{Type: backend.OpInsert, Row: content.physical(locked)}
	if observed != nil {
		op.Type = backend.OpReplace
		op.ETag = observed.ETag
	}
	row, err := replica.Client.Execute(ctx, table, op)
	e.recordCall(replica, err)
	if err != nil {
		if isPhysicalRace(err) {
			return nil, tableerrors.New(tableerrors.ErrCodeConflict,
				fmt.Sprintf("row %s/%s changed concurrently at %s", content.PartitionKey, content.RowKey, replica.Info.Endpoint), err)
		}
		return nil, err
	}
	return row, nil
}

// passThrough reports errors a failed prepare surfaces unchanged: the caller
// must re-resolve the view or re-read the row rather than retry blindly.
func passThrough(err error) bool {
	return tableerrors.IsCode(err, tableerrors.ErrCodeStaleView) ||
		tableerrors.IsCode(err, tableerrors.ErrCodeConflict)
}

// prepareReplica brings the replica at idx to content with the given lock
// state: insert if absent, else replace on its current etag. Physical races
// are retried with a fresh read.
func (e *Engine) prepareReplica(ctx context.Context, view *model.View, idx int, table string, content rowContent, locked bool, mode model.RowMode) (string, error) {
	replica := view.Chain[idx]

	var lastErr error
	for attempt := 0; attempt <= e.opts.PhysicalRetries; attempt++ {
		current, err := e.readRow(ctx, replica, table, content.PartitionKey, content.RowKey, mode)
		if err != nil {
			return "", err
		}
		if err := validateRowView(view, current); err != nil {
			return "", err
		}
		if err := e.checkCommitDeadline(content.Meta.LockAcquisition); err != nil {
			return "", err
		}
		if err := checkOverwrite(replica, current, content); err != nil {
			return "", err
		}
		if err := e.checkViewCurrent(view); err != nil {
			return "", err
		}

		op := backend.Operation{Type: backend.OpInsert, Row: content.physical(locked)}
		if current != nil {
			op.Type = backend.OpReplace
			op.ETag = current.ETag
		}
		row, err := replica.Client.Execute(ctx, table, op)
		e.recordCall(replica, err)
		if err == nil {
			return row.ETag, nil
		}
		if !isPhysicalRace(err) {
			return "", err
		}
		lastErr = err
		e.logger.Debug("Physical etag race, retrying",
			zap.String("replica", replica.Info.Endpoint),
			zap.String("partition_key", content.PartitionKey),
			zap.String("row_key", content.RowKey),
			zap.Int("attempt", attempt))
	}
	return "", tableerrors.Unavailable(fmt.Sprintf("replica %s kept changing under prepare", replica.Info.Endpoint), lastErr)
}

// runChain executes the three phases for one row. observed is the row last
// read at the head (nil if absent); the head write is conditioned on it.
func (e *Engine) runChain(ctx context.Context, view *model.View, table string, observed *replicaRow, content rowContent, mode model.RowMode) (*model.Entity, error) {
	lockedAt := e.now()
	content.Meta.ViewID = view.ViewID
	content.Meta.LockAcquisition = lockedAt

	// Phase 1: lock head
	headRow, err := e.writeObserved(ctx, view.Head(), table, observed, content, true)
	if err != nil {
		return nil, err
	}
	if err := e.checkViewCurrent(view); err != nil {
		return nil, err
	}

	etags := make([]string, len(view.Chain))
	etags[0] = headRow.ETag
	return e.completeChain(ctx, view, table, content, etags, lockedAt, mode)
}

// completeChain runs prepare and commit once the head holds the locked content.
func (e *Engine) completeChain(ctx context.Context, view *model.View, table string, content rowContent, etags []string, lockedAt time.Time, mode model.RowMode) (*model.Entity, error) {
	tail := view.TailIndex()

	// Phase 2: prepare head+1 .. tail; the tail is the commit point and takes the row unlocked
	for i := 1; i <= tail; i++ {
		etag, err := e.prepareReplica(ctx, view, i, table, content, i != tail, mode)
		if err != nil {
			e.logger.Warn("Prepare failed, row stays locked at head",
				zap.String("table", table),
				zap.String("partition_key", content.PartitionKey),
				zap.String("row_key", content.RowKey),
				zap.String("replica", view.Chain[i].Info.Endpoint),
				zap.Error(err))
			if passThrough(err) {
				return nil, err
			}
			return nil, tableerrors.Unavailable(fmt.Sprintf("prepare failed at replica %s", view.Chain[i].Info.Endpoint), err)
		}
		etags[i] = etag
	}

	if err := e.checkCommitDeadline(lockedAt); err != nil {
		return nil, err
	}

	// Phase 3: commit tail-1 .. head
	start := tail - 1
	if tail == 0 {
		start = 0
	}
	committed := e.now().UTC()
	for i := start; i >= 0; i-- {
		replica := view.Chain[i]
		row, err := e.writeObserved(ctx, replica, table, &replicaRow{ETag: etags[i]}, content, false)
		if err != nil {
			e.logger.Warn("Commit failed",
				zap.String("table", table),
				zap.String("partition_key", content.PartitionKey),
				zap.String("row_key", content.RowKey),
				zap.String("replica", replica.Info.Endpoint),
				zap.Error(err))
			if tableerrors.IsCode(err, tableerrors.ErrCodeConflict) {
				return nil, err
			}
			return nil, tableerrors.Unavailable(fmt.Sprintf("commit failed at replica %s", replica.Info.Endpoint), err)
		}
		committed = row.Timestamp
	}

	return content.entity(committed), nil
}

// insertFresh inserts a row that is physically absent at the head. A locked
// tombstone placeholder is inserted first so concurrent inserts collide on
// the backend insert, then propagated, then replaced by the real content.
func (e *Engine) insertFresh(ctx context.Context, view *model.View, table string, content rowContent, mode model.RowMode) (*model.Entity, error) {
	lockedAt := e.now()
	content.Meta.ViewID = view.ViewID
	content.Meta.LockAcquisition = lockedAt

	placeholder := rowContent{
		PartitionKey: content.PartitionKey,
		RowKey:       content.RowKey,
		Meta: model.RowMeta{
			Version:         content.Meta.Version,
			Tombstone:       true,
			ViewID:          view.ViewID,
			Operation:       content.Meta.Operation,
			BatchID:         content.Meta.BatchID,
			LockAcquisition: lockedAt,
		},
		Props: model.Properties{},
	}

	headRow, err := e.writeObserved(ctx, view.Head(), table, nil, placeholder, true)
	if err != nil {
		return nil, err
	}

	tail := view.TailIndex()
	for i := 1; i <= tail; i++ {
		if _, err := e.prepareReplica(ctx, view, i, table, placeholder, i != tail, mode); err != nil {
			if passThrough(err) {
				return nil, err
			}
			return nil, tableerrors.Unavailable(fmt.Sprintf("placeholder propagation failed at replica %s", view.Chain[i].Info.Endpoint), err)
		}
	}

	headRow, err = e.writeObserved(ctx, view.Head(), table, &replicaRow{ETag: headRow.ETag}, content, true)
	if err != nil {
		return nil, err
	}
	etags := make([]string, len(view.Chain))
	etags[0] = headRow.ETag
	return e.completeChain(ctx, view, table, content, etags, lockedAt, mode)
}

// flush drives a row forward to completion from source content, re-stamped
// with the current view. observedHead is the head row the flush starts from.
// Recovery never rolls a prior writer back.
func (e *Engine) flush(ctx context.Context, view *model.View, table string, source rowContent, observedHead *replicaRow, mode model.RowMode) (*model.Entity, error) {
	entity, err := e.runChain(ctx, view, table, observedHead, source, mode)
	status := "ok"
	if err != nil {
		status = tableerrors.GetCode(err).String()
	}
	e.metrics.RecordFlush(view.Name, status)

	if err != nil {
		e.logger.Warn("Flush2PC failed",
			zap.String("table", table),
			zap.String("partition_key", source.PartitionKey),
			zap.String("row_key", source.RowKey),
			zap.Error(err))
		return nil, err
	}
	e.logger.Info("Flush2PC completed",
		zap.String("table", table),
		zap.String("partition_key", source.PartitionKey),
		zap.String("row_key", source.RowKey),
		zap.Int64("version", source.Meta.Version))
	return entity, nil
}

// Flush2PC completes whatever state the head holds for a row across the chain.
func (e *Engine) Flush2PC(ctx context.Context, table, partitionKey, rowKey string) (*model.Entity, error) {
	view, route, err := e.writableView(ctx, table)
	if err != nil {
		return nil, err
	}
	mode := rowModeFor(route)

	current, err := e.readRow(ctx, view.Head(), table, partitionKey, rowKey, mode)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, tableerrors.NotFound(partitionKey, rowKey)
	}
	if err := validateRowView(view, current); err != nil {
		return nil, err
	}
	if current.Meta.RowLock && !current.Meta.LockExpired(e.now(), e.opts.LockTimeout) {
		return nil, tableerrors.Conflict(fmt.Sprintf("row %s/%s is locked by an active writer", partitionKey, rowKey))
	}
	return e.flush(ctx, view, table, contentOf(partitionKey, rowKey, current), current, mode)
}

// headRow is phase 0: read the row at the head, recovering an expired lock.
func (e *Engine) headRow(ctx context.Context, view *model.View, table, pk, rk string, mode model.RowMode) (*replicaRow, error) {
	current, err := e.readRow(ctx, view.Head(), table, pk, rk, mode)
	if err != nil || current == nil {
		return nil, err
	}
	if err := validateRowView(view, current); err != nil {
		return nil, err
	}
	if !current.Meta.RowLock {
		return current, nil
	}
	if !current.Meta.LockExpired(e.now(), e.opts.LockTimeout) {
		return nil, tableerrors.Conflict(fmt.Sprintf("row %s/%s is locked by another writer", pk, rk))
	}

	e.logger.Warn("Recovering expired row lock",
		zap.String("table", table),
		zap.String("partition_key", pk),
		zap.String("row_key", rk),
		zap.Time("lock_acquisition", current.Meta.LockAcquisition))
	if _, err := e.flush(ctx, view, table, contentOf(pk, rk, current), current, mode); err != nil {
		return nil, err
	}

	current, err = e.readRow(ctx, view.Head(), table, pk, rk, mode)
	if err != nil || current == nil {
		return nil, err
	}
	if current.Meta.RowLock {
		return nil, tableerrors.Conflict(fmt.Sprintf("row %s/%s was locked again during recovery", pk, rk))
	}
	return current, validateRowView(view, current)
}
