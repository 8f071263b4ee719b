package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
)

// MaxBatchSize bounds the number of operations in one batch
const MaxBatchSize = 100

// BatchOperation is one entry of a batch
type BatchOperation struct {
	Kind   model.OperationKind
	Entity *model.Entity
}

func validateBatch(ops []BatchOperation) error {
	if len(ops) == 0 {
		return tableerrors.InvalidArgument("batch is empty")
	}
	if len(ops) > MaxBatchSize {
		return tableerrors.InvalidArgument(fmt.Sprintf("batch has %d operations, limit is %d", len(ops), MaxBatchSize))
	}

	seen := make(map[string]struct{}, len(ops))
	var pk string
	for i, op := range ops {
		if op.Entity == nil {
			return tableerrors.InvalidArgument(fmt.Sprintf("operation %d has no entity", i))
		}
		if i == 0 {
			pk = op.Entity.PartitionKey
		}
		if err := op.Entity.Validate(); err != nil {
			return err
		}
		if op.Kind == model.OpKindRetrieve && len(ops) > 1 {
			return tableerrors.InvalidArgument("a retrieve must be the only operation of a batch")
		}
		if op.Kind != model.OpKindRetrieve && !op.Kind.IsWrite() {
			return tableerrors.InvalidArgument(fmt.Sprintf("operation %d has unsupported kind %s", i, op.Kind))
		}
		if op.Entity.PartitionKey != pk {
			return tableerrors.InvalidArgument("batch operations must share one partition key")
		}
		if _, dup := seen[op.Entity.RowKey]; dup {
			return tableerrors.InvalidArgument(fmt.Sprintf("row key %q appears twice in the batch", op.Entity.RowKey))
		}
		seen[op.Entity.RowKey] = struct{}{}
	}
	return nil
}

// ExecuteBatch applies writes on one partition atomically at every replica. A
// batch holding a single retrieve is served as a plain read.
func (e *Engine) ExecuteBatch(ctx context.Context, table string, ops []BatchOperation) (results []*model.Entity, err error) {
	started := e.now()
	defer func() { e.observe("Batch", table, started, err) }()

	if err := validateBatch(ops); err != nil {
		return nil, err
	}

	if ops[0].Kind == model.OpKindRetrieve {
		view, route, err := e.readableView(ctx, table)
		if err != nil {
			return nil, err
		}
		entity, err := e.retrieve(ctx, view, table, ops[0].Entity.PartitionKey, ops[0].Entity.RowKey, rowModeFor(route))
		if err != nil {
			return nil, err
		}
		return []*model.Entity{entity}, nil
	}

	view, route, err := e.writableView(ctx, table)
	if err != nil {
		return nil, err
	}
	return e.runBatch(ctx, view, table, ops, rowModeFor(route))
}

func (e *Engine) runBatch(ctx context.Context, view *model.View, table string, ops []BatchOperation, mode model.RowMode) ([]*model.Entity, error) {
	pk := ops[0].Entity.PartitionKey

	if !view.IsStable() {
		g, gctx := errgroup.WithContext(ctx)
		for _, op := range ops {
			rk := op.Entity.RowKey
			g.Go(func() error {
				_, err := e.repairRow(gctx, view, table, pk, rk, mode)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Phase 0 for every row concurrently
	currents := make([]*replicaRow, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	for i, op := range ops {
		i, rk := i, op.Entity.RowKey
		g.Go(func() error {
			row, err := e.headRow(gctx, view, table, pk, rk, mode)
			currents[i] = row
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	lockedAt := e.now()
	contents := make([]rowContent, len(ops))
	for i, op := range ops {
		content, err := planMutation(op.Kind, op.Entity, currents[i])
		if err != nil {
			var te *tableerrors.TableError
			if errors.As(err, &te) {
				te.WithDetail("batch_index", i)
			}
			return nil, err
		}
		content.Meta.ViewID = view.ViewID
		content.Meta.BatchID = batchID
		content.Meta.LockAcquisition = lockedAt
		contents[i] = content
	}

	etags := make([][]string, len(view.Chain))

	// Phase 1: lock every row at the head in one atomic batch
	headOps := make([]backend.Operation, len(contents))
	for i, c := range contents {
		headOps[i] = backend.Operation{Type: backend.OpInsert, Row: c.physical(true)}
		if currents[i] != nil {
			headOps[i].Type = backend.OpReplace
			headOps[i].ETag = currents[i].ETag
		}
	}
	headResults, err := e.submitBatch(ctx, view.Head(), table, headOps)
	if err != nil {
		if isPhysicalRace(err) {
			return nil, tableerrors.New(tableerrors.ErrCodeConflict, "batch rows changed concurrently at the head", err)
		}
		return nil, err
	}
	etags[0] = headResults
	if err := e.checkViewCurrent(view); err != nil {
		return nil, err
	}

	// Phase 2
	tail := view.TailIndex()
	for i := 1; i <= tail; i++ {
		replicaETags, err := e.prepareBatch(ctx, view, i, table, contents, i != tail, mode)
		if err != nil {
			e.logger.Warn("Batch prepare failed, rows stay locked at head",
				zap.String("table", table),
				zap.String("batch_id", batchID),
				zap.String("replica", view.Chain[i].Info.Endpoint),
				zap.Error(err))
			if passThrough(err) {
				return nil, err
			}
			return nil, tableerrors.Unavailable(fmt.Sprintf("batch prepare failed at replica %s", view.Chain[i].Info.Endpoint), err)
		}
		etags[i] = replicaETags
	}

	if err := e.checkCommitDeadline(lockedAt); err != nil {
		return nil, err
	}

	// Phase 3
	start := tail - 1
	if tail == 0 {
		start = 0
	}
	committed := make([]*model.Entity, len(contents))
	for i := start; i >= 0; i-- {
		replica := view.Chain[i]
		commitOps := make([]backend.Operation, len(contents))
		for j, c := range contents {
			commitOps[j] = backend.Operation{Type: backend.OpReplace, Row: c.physical(false), ETag: etags[i][j]}
		}
		results, err := replica.Client.ExecuteBatch(ctx, table, commitOps)
		e.recordCall(replica, err)
		if err != nil {
			e.logger.Warn("Batch commit failed",
				zap.String("table", table),
				zap.String("batch_id", batchID),
				zap.String("replica", replica.Info.Endpoint),
				zap.Error(err))
			if isPhysicalRace(err) {
				return nil, tableerrors.New(tableerrors.ErrCodeConflict, fmt.Sprintf("batch commit raced at replica %s", replica.Info.Endpoint), err)
			}
			return nil, tableerrors.Unavailable(fmt.Sprintf("batch commit failed at replica %s", replica.Info.Endpoint), err)
		}
		if i == 0 {
			for j, c := range contents {
				committed[j] = c.entity(results[j].Row.Timestamp)
			}
		}
	}
	return committed, nil
}

// submitBatch executes ops at one replica and returns the new physical etags.
func (e *Engine) submitBatch(ctx context.Context, replica model.Replica, table string, ops []backend.Operation) ([]string, error) {
	results, err := replica.Client.ExecuteBatch(ctx, table, ops)
	e.recordCall(replica, err)
	if err != nil {
		return nil, err
	}
	etags := make([]string, len(results))
	for i, r := range results {
		etags[i] = r.Row.ETag
	}
	return etags, nil
}

// prepareBatch is the batch form of prepareReplica.
func (e *Engine) prepareBatch(ctx context.Context, view *model.View, idx int, table string, contents []rowContent, locked bool, mode model.RowMode) ([]string, error) {
	replica := view.Chain[idx]

	var lastErr error
	for attempt := 0; attempt <= e.opts.PhysicalRetries; attempt++ {
		currents := make([]*replicaRow, len(contents))
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range contents {
			i, c := i, c
			g.Go(func() error {
				row, err := e.readRow(gctx, replica, table, c.PartitionKey, c.RowKey, mode)
				if err != nil {
					return err
				}
				if err := validateRowView(view, row); err != nil {
					return err
				}
				currents[i] = row
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if len(contents) > 0 {
			if err := e.checkCommitDeadline(contents[0].Meta.LockAcquisition); err != nil {
				return nil, err
			}
		}
		for i, c := range contents {
			if err := checkOverwrite(replica, currents[i], c); err != nil {
				return nil, err
			}
		}

		ops := make([]backend.Operation, len(contents))
		for i, c := range contents {
			ops[i] = backend.Operation{Type: backend.OpInsert, Row: c.physical(locked)}
			if currents[i] != nil {
				ops[i].Type = backend.OpReplace
				ops[i].ETag = currents[i].ETag
			}
		}
		if err := e.checkViewCurrent(view); err != nil {
			return nil, err
		}
		etags, err := e.submitBatch(ctx, replica, table, ops)
		if err == nil {
			return etags, nil
		}
		if !isPhysicalRace(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, tableerrors.Unavailable(fmt.Sprintf("replica %s kept changing under batch prepare", replica.Info.Endpoint), lastErr)
}
