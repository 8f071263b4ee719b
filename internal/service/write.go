package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
)

// Insert adds a row that must not exist (a tombstoned row counts as absent).
func (e *Engine) Insert(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error) {
	return e.execute(ctx, table, model.OpKindInsert, entity)
}

// Replace overwrites a row. A non-empty ETag other than "*" must equal the
// row's current version.
func (e *Engine) Replace(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error) {
	return e.execute(ctx, table, model.OpKindReplace, entity)
}

// Merge overlays the entity's columns on the existing row
func (e *Engine) Merge(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error) {
	return e.execute(ctx, table, model.OpKindMerge, entity)
}

// Delete tombstones a row
func (e *Engine) Delete(ctx context.Context, table, partitionKey, rowKey, etag string) error {
	_, err := e.execute(ctx, table, model.OpKindDelete, &model.Entity{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		ETag:         etag,
	})
	return err
}

// InsertOrReplace writes the row whatever its state, retrying virtual conflicts.
func (e *Engine) InsertOrReplace(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error) {
	return e.upsert(ctx, table, model.OpKindInsertOrReplace, entity)
}

// InsertOrMerge merges into the row or inserts it, retrying virtual conflicts.
func (e *Engine) InsertOrMerge(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error) {
	return e.upsert(ctx, table, model.OpKindInsertOrMerge, entity)
}

func (e *Engine) execute(ctx context.Context, table string, kind model.OperationKind, entity *model.Entity) (result *model.Entity, err error) {
	started := e.now()
	defer func() { e.observe(kind.String(), table, started, err) }()

	if err := entity.Validate(); err != nil {
		return nil, err
	}
	view, route, err := e.writableView(ctx, table)
	if err != nil {
		return nil, err
	}
	return e.mutate(ctx, view, table, kind, entity, rowModeFor(route))
}

func (e *Engine) upsert(ctx context.Context, table string, kind model.OperationKind, entity *model.Entity) (result *model.Entity, err error) {
	started := e.now()
	defer func() { e.observe(kind.String(), table, started, err) }()

	if err := entity.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < e.opts.InsertOrReplaceRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff(attempt-1)); err != nil {
				return nil, tableerrors.Unavailable("upsert retry interrupted", err)
			}
		}

		view, route, err := e.writableView(ctx, table)
		if err != nil {
			return nil, err
		}
		result, err := e.mutate(ctx, view, table, kind, entity, rowModeFor(route))
		if err == nil {
			return result, nil
		}
		if !tableerrors.IsCode(err, tableerrors.ErrCodeConflict) {
			return nil, err
		}
		lastErr = err
		e.logger.Debug("Upsert conflict, retrying",
			zap.String("table", table),
			zap.String("partition_key", entity.PartitionKey),
			zap.String("row_key", entity.RowKey),
			zap.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

// mutate runs phase 0 and hands the planned content to the chain.
func (e *Engine) mutate(ctx context.Context, view *model.View, table string, kind model.OperationKind, entity *model.Entity, mode model.RowMode) (*model.Entity, error) {
	pk, rk := entity.PartitionKey, entity.RowKey

	if !view.IsStable() {
		if _, err := e.repairRow(ctx, view, table, pk, rk, mode); err != nil {
			return nil, err
		}
	}

	current, err := e.headRow(ctx, view, table, pk, rk, mode)
	if err != nil {
		return nil, err
	}

	content, err := planMutation(kind, entity, current)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return e.insertFresh(ctx, view, table, content, mode)
	}
	return e.runChain(ctx, view, table, current, content, mode)
}

// planMutation applies the virtual checks and computes the next row content.
func planMutation(kind model.OperationKind, entity *model.Entity, current *replicaRow) (rowContent, error) {
	pk, rk := entity.PartitionKey, entity.RowKey
	live := current.live()

	switch kind {
	case model.OpKindInsert:
		if live {
			return rowContent{}, tableerrors.Conflict(fmt.Sprintf("row %s/%s already exists", pk, rk)).
				WithDetail("partition_key", pk).
				WithDetail("row_key", rk)
		}
	case model.OpKindReplace, model.OpKindMerge, model.OpKindDelete:
		if !live {
			return rowContent{}, tableerrors.NotFound(pk, rk)
		}
		if err := checkVersion(entity.ETag, current.Meta.Version); err != nil {
			return rowContent{}, err
		}
	case model.OpKindInsertOrReplace, model.OpKindInsertOrMerge:
	default:
		return rowContent{}, tableerrors.InvalidArgument(fmt.Sprintf("unsupported write operation %s", kind))
	}

	props := entity.Properties.Clone()
	switch {
	case kind == model.OpKindMerge, kind == model.OpKindInsertOrMerge && live:
		props = mergeProperties(current.Props, entity.Properties)
	case kind == model.OpKindDelete:
		props = model.Properties{}
	}

	var version int64
	if current != nil {
		version = current.Meta.Version + 1
	}

	return rowContent{
		PartitionKey: pk,
		RowKey:       rk,
		Meta: model.RowMeta{
			Version:   version,
			Tombstone: kind == model.OpKindDelete,
			Operation: kind,
		},
		Props: props,
	}, nil
}

// checkVersion compares a caller token with the committed version.
func checkVersion(token string, version int64) error {
	if token == "" || token == "*" {
		return nil
	}
	expected, err := model.ParseVersionToken(token)
	if err != nil {
		return err
	}
	if expected != version {
		return tableerrors.PreconditionFailed(token, model.VersionToken(version))
	}
	return nil
}

func mergeProperties(base, overlay model.Properties) model.Properties {
	out := base.Clone()
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
