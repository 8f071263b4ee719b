package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
	"github.com/devrev/chaintable/internal/util/workerpool"
)

// Reconfigurator moves replicas in and out of chains
type Reconfigurator struct {
	manager   *ConfigManager
	engine    *Engine
	pool      *workerpool.WorkerPool
	clockSkew time.Duration
	logger    *zap.Logger

	sleep Sleeper
}

// NewReconfigurator creates a reconfigurator. pool may be nil when only the
// synchronous operations are used.
func NewReconfigurator(manager *ConfigManager, engine *Engine, pool *workerpool.WorkerPool, clockSkew time.Duration, logger *zap.Logger) *Reconfigurator {
	return &Reconfigurator{
		manager:   manager,
		engine:    engine,
		pool:      pool,
		clockSkew: clockSkew,
		logger:    logger,
		sleep:     sleepContext,
	}
}

func findView(cfg *model.Configuration, name string) (*model.ViewRecord, error) {
	rec := cfg.FindView(name)
	if rec == nil {
		return nil, tableerrors.Configuration(fmt.Sprintf("view %q does not exist", name))
	}
	return rec, nil
}

// TurnReplicaOn adds endpoint to the head of a view's chain and backfills it.
// The steps are:
//  1. publish the joining replica at the head with status None and every
//     other replica read only,
//  2. wait lease + clock skew so clients holding the old view drain,
//  3. publish the new head write only and the others read write,
//  4. create and repair every table routed to the view,
//  5. on a clean repair publish the new head read write.
//
// A replica left write only by an earlier failed attempt resumes at step 4.
func (r *Reconfigurator) TurnReplicaOn(ctx context.Context, viewName, endpoint string) (tableerrors.ReconfigStatus, error) {
	if _, err := r.manager.resolver.Resolve(endpoint); err != nil {
		return tableerrors.ReconfigSuccess, err
	}
	cfg, err := r.manager.GetConfiguration(ctx)
	if err != nil {
		return tableerrors.ReconfigSuccess, err
	}
	rec, err := findView(cfg, viewName)
	if err != nil {
		return tableerrors.ReconfigSuccess, err
	}

	resuming := len(rec.Chain) > 0 && rec.Chain[0].Endpoint == endpoint &&
		rec.Chain[0].Status == model.ReplicaStatusWriteOnly
	if !resuming {
		done, err := r.joinAndDrain(ctx, viewName, endpoint)
		if err != nil || done {
			return tableerrors.ReconfigSuccess, err
		}

		r.logger.Info("Opening replica for writes",
			zap.String("view", viewName),
			zap.String("endpoint", endpoint))
		_, err = r.manager.UpdateConfiguration(ctx, func(cfg *model.Configuration) error {
			rec, err := findView(cfg, viewName)
			if err != nil {
				return err
			}
			if len(rec.Chain) == 0 || rec.Chain[0].Endpoint != endpoint {
				return tableerrors.Conflict(fmt.Sprintf("replica %s is no longer the joining head of view %s", endpoint, viewName))
			}
			rec.Chain[0].Status = model.ReplicaStatusWriteOnly
			rec.Chain[0].ViewInWhichAddedToChain = rec.ViewID + 1
			for i := 1; i < len(rec.Chain); i++ {
				if rec.Chain[i].IsActive() {
					rec.Chain[i].Status = model.ReplicaStatusReadWrite
				}
			}
			rec.ReadViewHeadIndex = 1
			return nil
		})
		if err != nil {
			return tableerrors.ReconfigSuccess, err
		}
	}

	status, err := r.backfill(ctx, viewName)
	if err != nil {
		return status, err
	}
	if status != tableerrors.ReconfigSuccess {
		r.logger.Warn("Replica backfill incomplete, view left unstable",
			zap.String("view", viewName),
			zap.String("endpoint", endpoint),
			zap.String("status", status.String()))
		return status, nil
	}

	_, err = r.manager.UpdateConfiguration(ctx, func(cfg *model.Configuration) error {
		rec, err := findView(cfg, viewName)
		if err != nil {
			return err
		}
		if len(rec.Chain) == 0 || rec.Chain[0].Endpoint != endpoint {
			return tableerrors.Conflict(fmt.Sprintf("replica %s is no longer the head of view %s", endpoint, viewName))
		}
		rec.Chain[0].Status = model.ReplicaStatusReadWrite
		rec.ReadViewHeadIndex = 0
		return nil
	})
	if err != nil {
		return status, err
	}

	r.logger.Info("Replica turned on",
		zap.String("view", viewName),
		zap.String("endpoint", endpoint))
	return status, nil
}

// joinAndDrain runs steps 1 and 2. It reports done when the chain was empty
// and the replica went straight to read write.
func (r *Reconfigurator) joinAndDrain(ctx context.Context, viewName, endpoint string) (bool, error) {
	direct := false
	published, err := r.manager.UpdateConfiguration(ctx, func(cfg *model.Configuration) error {
		rec, err := findView(cfg, viewName)
		if err != nil {
			return err
		}

		joining := model.ReplicaInfo{Endpoint: endpoint}
		others := make([]model.ReplicaInfo, 0, len(rec.Chain))
		for _, replica := range rec.Chain {
			if replica.Endpoint == endpoint {
				if replica.IsActive() {
					return tableerrors.Configuration(fmt.Sprintf("replica %s is already active in view %s", endpoint, viewName))
				}
				continue
			}
			others = append(others, replica)
		}

		active := 0
		for i := range others {
			if others[i].IsActive() {
				others[i].Status = model.ReplicaStatusReadOnly
				active++
			}
		}
		if active == 0 {
			direct = true
			joining.Status = model.ReplicaStatusReadWrite
			joining.ViewInWhichAddedToChain = rec.ViewID + 1
		}

		rec.Chain = append([]model.ReplicaInfo{joining}, others...)
		rec.ReadViewHeadIndex = 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if direct {
		r.logger.Info("Replica turned on in an empty view",
			zap.String("view", viewName),
			zap.String("endpoint", endpoint))
		return true, nil
	}

	drain := published.LeaseDuration() + r.clockSkew
	r.logger.Info("Waiting for clients on the old view to drain",
		zap.String("view", viewName),
		zap.String("endpoint", endpoint),
		zap.Duration("drain", drain))
	if err := r.sleep(ctx, drain); err != nil {
		return false, tableerrors.Unavailable("drain wait interrupted", err)
	}
	return false, nil
}

// backfill is step 4: every table routed to the view is created on the new
// head and repaired from the read head.
func (r *Reconfigurator) backfill(ctx context.Context, viewName string) (tableerrors.ReconfigStatus, error) {
	cfg, err := r.manager.GetConfiguration(ctx)
	if err != nil {
		return tableerrors.ReconfigPartialFailure, err
	}
	tables, err := r.tablesToBackfill(ctx, cfg, viewName)
	if err != nil {
		return tableerrors.ReconfigPartialFailure, err
	}

	status := tableerrors.ReconfigSuccess
	for _, table := range tables {
		if err := r.engine.CreateTable(ctx, table); err != nil {
			r.logger.Error("Failed to create table on joining replica",
				zap.String("table", table),
				zap.Error(err))
			status |= tableerrors.ReconfigFaultyWriteView
			continue
		}
		tableStatus, err := r.engine.RepairTable(ctx, table, 0)
		if err != nil {
			r.logger.Error("Table repair failed",
				zap.String("table", table),
				zap.Error(err))
			tableStatus |= tableerrors.ReconfigPartialFailure
		}
		status |= tableStatus
	}
	return status, nil
}

// tablesToBackfill merges the explicit routes of the view with the tables
// present at its read head that route to it, which covers the default route.
func (r *Reconfigurator) tablesToBackfill(ctx context.Context, cfg *model.Configuration, viewName string) ([]string, error) {
	tables := cfg.TablesForView(viewName)
	view, err := r.manager.GetView(ctx, viewName)
	if err != nil {
		return nil, err
	}
	if view.IsStable() {
		return tables, nil
	}

	present, err := view.ReadHead().Client.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		seen[t] = true
	}
	for _, t := range present {
		if seen[t] {
			continue
		}
		if route, ok := cfg.Route(t); ok && route.ViewName == viewName {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	return tables, nil
}

// TurnReplicaOnAsync runs TurnReplicaOn on the worker pool and returns the job id.
func (r *Reconfigurator) TurnReplicaOnAsync(viewName, endpoint string) (string, error) {
	if r.pool == nil {
		return "", tableerrors.Unavailable("no worker pool configured", nil)
	}
	id, err := r.pool.Submit(fmt.Sprintf("turn-on %s/%s", viewName, endpoint), func(ctx context.Context) (string, error) {
		status, err := r.TurnReplicaOn(ctx, viewName, endpoint)
		return status.String(), err
	})
	if err != nil {
		return "", tableerrors.Unavailable("failed to queue reconfiguration", err)
	}
	return id, nil
}

// Job returns the status of an asynchronous reconfiguration
func (r *Reconfigurator) Job(id string) (workerpool.JobInfo, bool) {
	if r.pool == nil {
		return workerpool.JobInfo{}, false
	}
	return r.pool.Job(id)
}

// TurnReplicaOff removes endpoint from a view's chain in one publish.
func (r *Reconfigurator) TurnReplicaOff(ctx context.Context, viewName, endpoint string) error {
	_, err := r.manager.UpdateConfiguration(ctx, func(cfg *model.Configuration) error {
		rec, err := findView(cfg, viewName)
		if err != nil {
			return err
		}
		return turnOff(rec, endpoint)
	})
	if err != nil {
		return err
	}
	r.logger.Info("Replica turned off",
		zap.String("view", viewName),
		zap.String("endpoint", endpoint))
	return nil
}

func turnOff(rec *model.ViewRecord, endpoint string) error {
	idx := rec.IndexOf(endpoint)
	if idx < 0 {
		return tableerrors.Configuration(fmt.Sprintf("replica %s is not in view %s", endpoint, rec.Name))
	}
	if !rec.Chain[idx].IsActive() {
		return tableerrors.Configuration(fmt.Sprintf("replica %s is already off in view %s", endpoint, rec.Name))
	}

	position := 0
	for i := 0; i < idx; i++ {
		if rec.Chain[i].IsActive() {
			position++
		}
	}

	rec.Chain[idx].Status = model.ReplicaStatusNone
	rec.Chain[idx].ViewWhenTurnedOff = rec.ViewID
	if position < rec.ReadViewHeadIndex {
		rec.ReadViewHeadIndex--
	}

	remaining := rec.ActiveChain()
	for i := rec.ReadViewHeadIndex; i < len(remaining); i++ {
		if remaining[i].Status.Readable() {
			return nil
		}
	}
	return tableerrors.Configuration(fmt.Sprintf("turning off %s would leave view %s without a readable replica", endpoint, rec.Name))
}
