package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
)

// Retrieve reads a committed row. Reads start at the tail and fall back toward
// the read head when a replica is unavailable. A locked row seen on the way is
// reported as Conflict; readers never flush.
func (e *Engine) Retrieve(ctx context.Context, table, partitionKey, rowKey string) (result *model.Entity, err error) {
	started := e.now()
	defer func() { e.observe(model.OpKindRetrieve.String(), table, started, err) }()

	if partitionKey == "" || rowKey == "" {
		return nil, tableerrors.InvalidArgument("partition_key and row_key are required")
	}
	view, route, err := e.readableView(ctx, table)
	if err != nil {
		return nil, err
	}
	return e.retrieve(ctx, view, table, partitionKey, rowKey, rowModeFor(route))
}

func (e *Engine) retrieve(ctx context.Context, view *model.View, table, pk, rk string, mode model.RowMode) (*model.Entity, error) {
	var lastErr error
	for i := view.TailIndex(); i >= view.ReadHeadIndex; i-- {
		replica := view.Chain[i]
		row, err := e.readRow(ctx, replica, table, pk, rk, mode)
		if err != nil {
			if tableerrors.IsCode(err, tableerrors.ErrCodeServiceUnavailable) {
				e.logger.Debug("Replica unavailable for read, falling back",
					zap.String("replica", replica.Info.Endpoint),
					zap.Error(err))
				lastErr = err
				continue
			}
			return nil, err
		}
		return committedEntity(view, pk, rk, row)
	}
	return nil, tableerrors.Unavailable(fmt.Sprintf("no readable replica answered for %s/%s", pk, rk), lastErr)
}

func committedEntity(view *model.View, pk, rk string, row *replicaRow) (*model.Entity, error) {
	if !row.live() {
		return nil, tableerrors.NotFound(pk, rk)
	}
	if row.Meta.RowLock {
		return nil, tableerrors.Conflict(fmt.Sprintf("row %s/%s has a write in flight", pk, rk))
	}
	if err := validateRowView(view, row); err != nil {
		return nil, err
	}
	return contentOf(pk, rk, row).entity(row.Timestamp), nil
}

// EntityIterator streams the committed rows of a query. Tombstones are skipped.
type EntityIterator struct {
	rows backend.RowIterator
	view *model.View
	mode model.RowMode

	// pending holds the outcome of the first read Next used to pick the replica
	pending  bool
	hasFirst bool

	current *model.Entity
	err     error
}

// Next advances to the next committed row
func (it *EntityIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for {
		var ok bool
		if it.pending {
			ok, it.pending = it.hasFirst, false
		} else {
			ok = it.rows.Next(ctx)
		}
		if !ok {
			it.err = it.rows.Err()
			it.current = nil
			return false
		}

		physical := it.rows.Row()
		row, err := decodePhysical(physical, it.mode)
		if err != nil {
			it.err = err
			return false
		}
		if row.Meta.Tombstone {
			continue
		}
		entity, err := committedEntity(it.view, physical.PartitionKey, physical.RowKey, row)
		if err != nil {
			it.err = err
			return false
		}
		it.current = entity
		return true
	}
}

// Entity returns the current row
func (it *EntityIterator) Entity() *model.Entity {
	return it.current
}

// Err returns the error that stopped iteration
func (it *EntityIterator) Err() error {
	return it.err
}

// Close releases the underlying scan
func (it *EntityIterator) Close() error {
	return it.rows.Close()
}

// ExecuteQuery opens a lazy scan at the tail. If the tail cannot be opened the
// scan falls back toward the read head.
func (e *Engine) ExecuteQuery(ctx context.Context, table string, q backend.Query) (it *EntityIterator, err error) {
	started := e.now()
	defer func() { e.observe("Query", table, started, err) }()

	view, route, err := e.readableView(ctx, table)
	if err != nil {
		return nil, err
	}
	mode := rowModeFor(route)

	var lastErr error
	for i := view.TailIndex(); i >= view.ReadHeadIndex; i-- {
		replica := view.Chain[i]
		rows := replica.Client.Query(ctx, table, q)
		ok := rows.Next(ctx)
		if !ok && rows.Err() != nil {
			e.recordCall(replica, rows.Err())
			if tableerrors.IsCode(rows.Err(), tableerrors.ErrCodeServiceUnavailable) {
				lastErr = rows.Err()
				_ = rows.Close()
				continue
			}
			err := rows.Err()
			_ = rows.Close()
			return nil, err
		}
		e.recordCall(replica, nil)
		return &EntityIterator{rows: rows, view: view, mode: mode, pending: true, hasFirst: ok}, nil
	}
	return nil, tableerrors.Unavailable(fmt.Sprintf("no readable replica could scan %s", table), lastErr)
}

// QueryAll drains a query into memory
func (e *Engine) QueryAll(ctx context.Context, table string, q backend.Query) ([]*model.Entity, error) {
	it, err := e.ExecuteQuery(ctx, table, q)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*model.Entity
	for it.Next(ctx) {
		out = append(out, it.Entity())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
