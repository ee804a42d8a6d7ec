package rotation

import (
	"context"
	"time"

	"github.com/birchsec/birch/internal/audit"
	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/guard"
	"github.com/birchsec/birch/internal/health"
	"github.com/birchsec/birch/internal/keys"
	"github.com/birchsec/birch/internal/logging"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/store"
)

// RollbackRequest asks for the previous value of a secret to be restored.
type RollbackRequest struct {
	Identity pool.Identity
	Service  string
	Target   string
	Actor    string
	Redeploy bool
}

// RollbackManager restores the snapshot taken at the last committed
// rotation. Snapshots are single use and expire with the rollback window.
type RollbackManager struct {
	cfg       *config.Config
	logger    *logging.Logger
	material  *keys.Material
	locker    *guard.Locker
	audit     *audit.Log
	snapshots *SnapshotStore
	resolve   ConnectorResolver
	metrics   *health.RotationMetrics
}

func NewRollbackManager(d Deps, material *keys.Material) *RollbackManager {
	return &RollbackManager{
		cfg:       d.Config,
		logger:    d.Logger,
		material:  material,
		locker:    d.Locker,
		audit:     d.Audit,
		snapshots: d.Snapshots,
		resolve:   d.Resolver,
		metrics:   d.Metrics,
	}
}

// Rollback applies the snapshot's previous value through the connector and
// records the inversion on the audit chain. The snapshot is cleared only
// after the rolled_back record is durable.
func (rm *RollbackManager) Rollback(ctx context.Context, req RollbackRequest) (*audit.Record, error) {
	id := req.Identity

	lockGuard, err := rm.locker.Acquire(id, "rollback", req.Actor)
	if err != nil {
		return nil, err
	}
	defer lockGuard.Release()

	snap, err := rm.snapshots.Load(id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errors.NoRollbackAvailableError{
				SecretName:  id.SecretName,
				Environment: id.Environment,
			}
		}
		return nil, err
	}

	window := rm.cfg.RollbackWindow()
	if time.Now().After(snap.CommittedAt.Add(window)) {
		// lazy discard: the expired snapshot is dropped on first access
		if err := rm.snapshots.Clear(id); err != nil {
			rm.logger.Warn("Failed to discard expired snapshot for %s: %v", id, err)
		}
		return nil, errors.RollbackWindowExpiredError{
			CommittedAt: snap.CommittedAt,
			Window:      window,
		}
	}

	previous, err := rm.material.DecryptString(snap.EncryptedPrevious)
	if err != nil {
		return nil, err
	}

	conn, err := rm.resolve(req.Service)
	if err != nil {
		return nil, err
	}

	applyCtx, cancel := context.WithTimeout(ctx, rm.cfg.ConnectorTimeout())
	applyErr := conn.Apply(applyCtx, req.Target, id.SecretName, previous)
	cancel()
	if applyErr != nil {
		// snapshot stays in place so the rollback can be retried
		if _, err := rm.audit.Append(id, audit.Entry{
			Actor:      req.Actor,
			Action:     audit.ActionRollback,
			Outcome:    audit.OutcomeFailed,
			Target:     rollbackTarget(req, conn),
			RollbackOf: snap.Sequence,
		}); err != nil {
			rm.logger.Error("Failed to record failed rollback for %s: %v", id, err)
		}
		rm.metrics.RecordRollback(id.SecretName, id.Environment, string(audit.OutcomeFailed))
		return nil, applyErr
	}

	if req.Redeploy {
		redeployCtx, cancel := context.WithTimeout(ctx, rm.cfg.ConnectorTimeout())
		err := conn.Redeploy(redeployCtx, req.Target)
		cancel()
		if err != nil {
			rm.logger.Warn("Redeploy after rolling back %s failed: %v", id, err)
		}
	}

	rec, err := rm.audit.Append(id, audit.Entry{
		Actor:       req.Actor,
		Action:      audit.ActionRollback,
		Outcome:     audit.OutcomeRolledBack,
		Target:      rollbackTarget(req, conn),
		Fingerprint: logging.Fingerprint(previous),
		RollbackOf:  snap.Sequence,
	})
	if err != nil {
		return nil, err
	}

	if err := rm.snapshots.Clear(id); err != nil {
		rm.logger.Warn("Failed to clear used snapshot for %s: %v", id, err)
	}

	rm.metrics.RecordRollback(id.SecretName, id.Environment, string(audit.OutcomeRolledBack))
	rm.logger.Info("Rolled back %s to the value committed at sequence %d", id, snap.Sequence)
	return rec, nil
}

func rollbackTarget(req RollbackRequest, conn interface{ Name() string }) string {
	if req.Target != "" {
		return req.Target
	}
	return conn.Name()
}
