// Package rotation sequences one credential rotation: lock, cooldown, pool
// advance, connector apply, audit commit, rollback snapshot. It also hosts
// the rollback manager that inverts a commit within its window.
package rotation

import (
	"context"
	"time"

	"github.com/birchsec/birch/internal/audit"
	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/connector"
	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/guard"
	"github.com/birchsec/birch/internal/health"
	"github.com/birchsec/birch/internal/logging"
	"github.com/birchsec/birch/internal/pool"
)

// Request describes one rotation to perform.
type Request struct {
	Identity pool.Identity
	// Service names a configured connector; empty means the local envfile
	// connector with Target as the file path.
	Service string
	// Target is the file path or remote secret locator.
	Target string
	Actor  string
	DryRun bool
	// Force bypasses the cooldown gate only.
	Force    bool
	Redeploy bool
	// WaitLock waits for a contended lock instead of failing fast. The
	// daemon worker sets it; CLI invocations do not.
	WaitLock bool
}

// Result reports a terminal rotation outcome.
type Result struct {
	Outcome     audit.Outcome
	Record      *audit.Record
	Fingerprint string
	Attempt     *Attempt
}

// ConnectorResolver maps a service name to the connector serving it.
type ConnectorResolver func(service string) (connector.Connector, error)

// ConfigResolver resolves connectors from the services section of the
// configuration. The empty service name is the ad-hoc envfile connector.
func ConfigResolver(cfg *config.Config, logger *logging.Logger) ConnectorResolver {
	return func(service string) (connector.Connector, error) {
		if service == "" {
			return connector.NewEnvFile(logger), nil
		}
		svc, err := cfg.GetService(service)
		if err != nil {
			return nil, err
		}
		return connector.New(service, svc, logger)
	}
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Config    *config.Config
	Logger    *logging.Logger
	Pools     *pool.Manager
	Locker    *guard.Locker
	Cooldown  *guard.Cooldown
	Audit     *audit.Log
	Snapshots *SnapshotStore
	Resolver  ConnectorResolver
	Metrics   *health.RotationMetrics
}

// Orchestrator drives the rotation state machine.
type Orchestrator struct {
	cfg       *config.Config
	logger    *logging.Logger
	pools     *pool.Manager
	locker    *guard.Locker
	cooldown  *guard.Cooldown
	audit     *audit.Log
	snapshots *SnapshotStore
	resolve   ConnectorResolver
	metrics   *health.RotationMetrics
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:       d.Config,
		logger:    d.Logger,
		pools:     d.Pools,
		locker:    d.Locker,
		cooldown:  d.Cooldown,
		audit:     d.Audit,
		snapshots: d.Snapshots,
		resolve:   d.Resolver,
		metrics:   d.Metrics,
	}
}

// productionEnvironment gates the maintenance-window check.
func productionEnvironment(env string) bool {
	return env == "prod" || env == "production"
}

// Rotate runs one request to a terminal state. The lock is released exactly
// once on every path, including panics, via the deferred guard release.
func (o *Orchestrator) Rotate(ctx context.Context, req Request) (*Result, error) {
	id := req.Identity
	attempt := NewAttempt(id, req.Target, req.Actor, req.DryRun)
	start := time.Now()

	o.metrics.RecordRotationStarted(id.SecretName, id.Environment, req.Actor)

	// final gate before any state is touched: blocked requests never reach
	// the lock, the pool, or the audit chain
	if !req.DryRun && productionEnvironment(id.Environment) && !o.cfg.InMaintenanceWindow(time.Now()) {
		o.metrics.RecordRotationCompleted(id.SecretName, id.Environment, "blocked", time.Since(start).Seconds())
		return nil, errors.MaintenanceWindowError{Now: time.Now()}
	}

	conn, err := o.resolve(req.Service)
	if err != nil {
		return nil, err
	}

	var lockGuard *guard.Guard
	if req.WaitLock {
		lockGuard, err = o.locker.AcquireWait(ctx, id, "rotate", req.Actor)
	} else {
		lockGuard, err = o.locker.Acquire(id, "rotate", req.Actor)
	}
	if err != nil {
		return nil, err
	}
	defer lockGuard.Release()

	if err := attempt.TransitionTo(StateLockAcquired, "lock held by "+lockGuard.HolderID()); err != nil {
		return nil, err
	}

	if !req.Force && !req.DryRun {
		if err := o.cooldown.Check(id); err != nil {
			return nil, err
		}
	}
	cooldownReason := "cooldown clear"
	if req.Force {
		cooldownReason = "cooldown bypassed (forced)"
	}
	if err := attempt.TransitionTo(StateCooldownChecked, cooldownReason); err != nil {
		return nil, err
	}

	if req.DryRun {
		return o.dryRun(attempt, req, conn, start)
	}

	sel, err := o.pools.Next(id)
	if err != nil {
		return nil, err
	}
	if err := attempt.TransitionTo(StateValueSelected, "selected "+sel.Fingerprint); err != nil {
		return nil, err
	}

	applyCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectorTimeout())
	applyErr := conn.Apply(applyCtx, req.Target, id.SecretName, sel.Plaintext)
	cancel()
	if applyErr != nil {
		return o.unwindFailedApply(attempt, req, conn, sel, applyErr, start)
	}
	if err := attempt.TransitionTo(StateConnectorApplied, "applied via "+conn.Name()); err != nil {
		return nil, err
	}

	o.verifyApplied(ctx, req, conn, sel)

	if req.Redeploy {
		redeployCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectorTimeout())
		if err := conn.Redeploy(redeployCtx, req.Target); err != nil {
			// the new value is live; a failed restart is an operator
			// followup, not grounds to unwind the rotation
			o.logger.Warn("Redeploy after rotating %s failed: %v", id, err)
		}
		cancel()
	}

	rec, err := o.audit.Append(id, audit.Entry{
		Actor:       req.Actor,
		Action:      audit.ActionRotate,
		Outcome:     audit.OutcomeCommitted,
		Target:      targetLabel(req, conn),
		Fingerprint: sel.Fingerprint,
	})
	if err != nil {
		// the target already holds the new value; surface the failure
		// without unwinding the pool
		return nil, err
	}
	if err := attempt.TransitionTo(StateAuditCommitted, ""); err != nil {
		return nil, err
	}

	if sel.PreviousEncrypted != "" {
		snap := Snapshot{
			EncryptedPrevious: sel.PreviousEncrypted,
			CommittedAt:       rec.Timestamp,
			Sequence:          rec.Sequence,
		}
		if err := o.snapshots.Save(id, snap); err != nil {
			o.logger.Warn("Failed to write rollback snapshot for %s: %v", id, err)
		}
	} else if err := o.snapshots.Clear(id); err != nil {
		o.logger.Warn("Failed to clear stale snapshot for %s: %v", id, err)
	}

	if err := attempt.TransitionTo(StateDone, ""); err != nil {
		return nil, err
	}

	o.metrics.RecordRotationCompleted(id.SecretName, id.Environment, string(audit.OutcomeCommitted), time.Since(start).Seconds())
	o.logger.Info("Rotated %s to %s", id, sel.Fingerprint)

	return &Result{
		Outcome:     audit.OutcomeCommitted,
		Record:      rec,
		Fingerprint: sel.Fingerprint,
		Attempt:     attempt,
	}, nil
}

// dryRun logs a non-committing event without touching the pool or target.
func (o *Orchestrator) dryRun(attempt *Attempt, req Request, conn connector.Connector, start time.Time) (*Result, error) {
	id := req.Identity

	sel, err := o.pools.Peek(id)
	if err != nil {
		return nil, err
	}
	if err := attempt.TransitionTo(StateValueSelected, "would select "+sel.Fingerprint); err != nil {
		return nil, err
	}

	rec, err := o.audit.Append(id, audit.Entry{
		Actor:       req.Actor,
		Action:      audit.ActionRotate,
		Outcome:     audit.OutcomeDryRun,
		Target:      targetLabel(req, conn),
		Fingerprint: sel.Fingerprint,
	})
	if err != nil {
		return nil, err
	}
	if err := attempt.TransitionTo(StateDone, "dry run short-circuit"); err != nil {
		return nil, err
	}

	o.metrics.RecordRotationCompleted(id.SecretName, id.Environment, string(audit.OutcomeDryRun), time.Since(start).Seconds())
	o.logger.Info("Dry run: would rotate %s to %s", id, sel.Fingerprint)

	return &Result{
		Outcome:     audit.OutcomeDryRun,
		Record:      rec,
		Fingerprint: sel.Fingerprint,
		Attempt:     attempt,
	}, nil
}

// unwindFailedApply is the one place an error is recovered instead of
// propagated: the candidate returns to the pool, the failure is recorded,
// and the lock is released by the caller's deferred guard.
func (o *Orchestrator) unwindFailedApply(attempt *Attempt, req Request, conn connector.Connector, sel *pool.Selection, applyErr error, start time.Time) (*Result, error) {
	id := req.Identity

	if err := o.pools.Return(id, sel); err != nil {
		o.logger.Error("Failed to return value to pool for %s: %v", id, err)
	}

	if _, err := o.audit.Append(id, audit.Entry{
		Actor:       req.Actor,
		Action:      audit.ActionRotate,
		Outcome:     audit.OutcomeFailed,
		Target:      targetLabel(req, conn),
		Fingerprint: sel.Fingerprint,
	}); err != nil {
		o.logger.Error("Failed to record failed rotation for %s: %v", id, err)
	}

	if err := attempt.TransitionTo(StateRolledBackOnFailure, applyErr.Error()); err != nil {
		o.logger.Error("State machine error for %s: %v", id, err)
	}

	o.metrics.RecordRotationCompleted(id.SecretName, id.Environment, string(audit.OutcomeFailed), time.Since(start).Seconds())
	return nil, applyErr
}

// verifyApplied reads the value back from the target. A mismatch is only
// warned about: some backends serve the previous version briefly.
func (o *Orchestrator) verifyApplied(ctx context.Context, req Request, conn connector.Connector, sel *pool.Selection) {
	verifyCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectorTimeout())
	defer cancel()

	current, err := conn.Current(verifyCtx, req.Target, req.Identity.SecretName)
	if err != nil {
		o.logger.Debug("Could not read back %s after apply: %v", req.Identity, err)
		return
	}
	if current != sel.Plaintext {
		o.logger.Warn("Target %s does not yet serve the rotated value for %s", targetLabel(req, conn), req.Identity)
	}
}

func targetLabel(req Request, conn connector.Connector) string {
	if req.Target != "" {
		return req.Target
	}
	return conn.Name()
}
