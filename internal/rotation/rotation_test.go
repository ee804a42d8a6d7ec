package rotation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchsec/birch/internal/audit"
	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/connector"
	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/guard"
	"github.com/birchsec/birch/internal/health"
	"github.com/birchsec/birch/internal/keys"
	"github.com/birchsec/birch/internal/logging"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/store"
)

var testID = pool.Identity{SecretName: "api-key", Environment: "staging"}

// fakeConnector records applies in memory and can be told to fail.
type fakeConnector struct {
	name       string
	applied    []string
	applyErr   error
	redeployed int
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Apply(ctx context.Context, target, secretName, value string) error {
	if f.applyErr != nil {
		return errors.ConnectorFailure{Service: f.name, Reason: "injected", Err: f.applyErr}
	}
	f.applied = append(f.applied, value)
	return nil
}

func (f *fakeConnector) Redeploy(ctx context.Context, target string) error {
	f.redeployed++
	return nil
}

func (f *fakeConnector) Current(ctx context.Context, target, secretName string) (string, error) {
	if len(f.applied) == 0 {
		return "", nil
	}
	return f.applied[len(f.applied)-1], nil
}

func (f *fakeConnector) lastApplied() string {
	if len(f.applied) == 0 {
		return ""
	}
	return f.applied[len(f.applied)-1]
}

type fixture struct {
	orch      *Orchestrator
	rollback  *RollbackManager
	pools     *pool.Manager
	locker    *guard.Locker
	audit     *audit.Log
	snapshots *SnapshotStore
	conn      *fakeConnector
	cfg       *config.Config
}

func newFixture(t *testing.T, cooldown time.Duration) *fixture {
	t.Helper()
	return newFixtureAt(t, cooldown, t.TempDir(), t.TempDir())
}

// newFixtureAt builds a full stack over explicit key and state directories so
// tests can stand up several stacks that share on-disk state, the way the CLI
// and the daemon do.
func newFixtureAt(t *testing.T, cooldown time.Duration, keysDir, storeDir string) *fixture {
	t.Helper()

	logger := logging.New(false, true)
	material, err := keys.LoadFromFile(keysDir)
	require.NoError(t, err)
	t.Cleanup(material.Destroy)

	st := store.NewFileStore(storeDir)
	auditLog := audit.NewLog(st, material)
	conn := &fakeConnector{name: "fake"}
	cfg := &config.Config{Logger: logger, Definition: &config.Definition{}}

	deps := Deps{
		Config:    cfg,
		Logger:    logger,
		Pools:     pool.NewManager(st, material, logger, 2),
		Locker:    guard.NewLocker(st, auditLog, logger, 30*time.Second),
		Cooldown:  guard.NewCooldown(auditLog, cooldown),
		Audit:     auditLog,
		Snapshots: NewSnapshotStore(st),
		Resolver: func(service string) (connector.Connector, error) {
			return conn, nil
		},
		Metrics: health.NewRotationMetrics(),
	}

	return &fixture{
		orch:      NewOrchestrator(deps),
		rollback:  NewRollbackManager(deps, material),
		pools:     deps.Pools,
		locker:    deps.Locker,
		audit:     auditLog,
		snapshots: deps.Snapshots,
		conn:      conn,
		cfg:       cfg,
	}
}

func (f *fixture) initPool(t *testing.T, values ...string) {
	t.Helper()
	require.NoError(t, f.pools.Init(testID, values, false))
}

func (f *fixture) rotate(t *testing.T, req Request) *Result {
	t.Helper()
	res, err := f.orch.Rotate(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestRotateCommitsHappyPath(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one", "key-two")

	res := f.rotate(t, Request{Identity: testID, Actor: "alice"})

	assert.Equal(t, audit.OutcomeCommitted, res.Outcome)
	assert.Equal(t, "key-one", f.conn.lastApplied())
	assert.Equal(t, "***-one", res.Fingerprint)
	assert.Equal(t, StateDone, res.Attempt.StateNow())

	// audit chain verifies and names the applied value
	require.NoError(t, f.audit.VerifyChain(testID))
	latest, err := f.audit.LatestCommitted(testID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.Fingerprint, latest.Fingerprint)
	assert.Equal(t, "alice", latest.Actor)

	// pool advanced: the active value is the one the connector holds
	status, err := f.pools.Status(testID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 1, status.Available)
}

func TestRotateStateTransitions(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one")

	res := f.rotate(t, Request{Identity: testID, Actor: "alice"})

	var visited []State
	for _, tr := range res.Attempt.History() {
		visited = append(visited, tr.ToState)
	}
	assert.Equal(t, []State{
		StateLockAcquired,
		StateCooldownChecked,
		StateValueSelected,
		StateConnectorApplied,
		StateAuditCommitted,
		StateDone,
	}, visited)
}

func TestRotateExactlyNTimes(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one", "key-two", "key-three")

	for _, want := range []string{"key-one", "key-two", "key-three"} {
		res := f.rotate(t, Request{Identity: testID, Actor: "alice"})
		assert.Equal(t, want, f.conn.lastApplied())
		assert.Equal(t, audit.OutcomeCommitted, res.Outcome)
	}

	before, err := f.pools.Status(testID)
	require.NoError(t, err)

	_, err = f.orch.Rotate(context.Background(), Request{Identity: testID, Actor: "alice"})
	var exhausted errors.PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)

	// the failed fourth attempt leaves state identical to after the third
	after, err := f.pools.Status(testID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "key-three", f.conn.lastApplied())
}

func TestRotateCooldownBlocks(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.initPool(t, "key-one", "key-two")

	f.rotate(t, Request{Identity: testID, Actor: "alice"})

	_, err := f.orch.Rotate(context.Background(), Request{Identity: testID, Actor: "alice"})
	var active errors.CooldownActiveError
	require.ErrorAs(t, err, &active)
	assert.Greater(t, active.Remaining, time.Duration(0))

	// pool untouched by the rejected attempt
	status, err := f.pools.Status(testID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Available)
}

func TestRotateForceBypassesCooldown(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.initPool(t, "key-one", "key-two")

	f.rotate(t, Request{Identity: testID, Actor: "alice"})
	res := f.rotate(t, Request{Identity: testID, Actor: "alice", Force: true})

	assert.Equal(t, audit.OutcomeCommitted, res.Outcome)
	assert.Equal(t, "key-two", f.conn.lastApplied())
}

func TestRotateConnectorFailureUnwinds(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one", "key-two")
	f.conn.applyErr = fmt.Errorf("target unreachable")

	_, err := f.orch.Rotate(context.Background(), Request{Identity: testID, Actor: "alice"})
	var failure errors.ConnectorFailure
	require.ErrorAs(t, err, &failure)

	// candidate back to available, nothing active, never two active
	status, err := f.pools.Status(testID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Available)
	assert.Equal(t, 0, status.Active)

	// the failure is on the chain but not committed
	records, err := f.audit.List(testID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeFailed, records[0].Outcome)
	latest, err := f.audit.LatestCommitted(testID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	// lock released: the next attempt proceeds
	f.conn.applyErr = nil
	res := f.rotate(t, Request{Identity: testID, Actor: "alice"})
	assert.Equal(t, "key-one", f.conn.lastApplied())
	assert.Equal(t, audit.OutcomeCommitted, res.Outcome)
}

func TestRotateDryRun(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.initPool(t, "key-one")

	res := f.rotate(t, Request{Identity: testID, Actor: "alice", DryRun: true})

	assert.Equal(t, audit.OutcomeDryRun, res.Outcome)
	assert.Equal(t, StateDone, res.Attempt.StateNow())
	assert.Empty(t, f.conn.applied)

	// pool untouched, no committed state, cooldown still open
	status, err := f.pools.Status(testID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Available)
	assert.Equal(t, 0, status.Active)

	latest, err := f.audit.LatestCommitted(testID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	// traceability event is on the chain
	records, err := f.audit.List(testID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeDryRun, records[0].Outcome)

	// lock was released
	res = f.rotate(t, Request{Identity: testID, Actor: "alice"})
	assert.Equal(t, audit.OutcomeCommitted, res.Outcome)
}

func TestRotateLockContention(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one")

	lockGuard, err := f.locker.Acquire(testID, "rotate", "bob")
	require.NoError(t, err)
	defer lockGuard.Release()

	_, err = f.orch.Rotate(context.Background(), Request{Identity: testID, Actor: "alice"})
	var contention errors.LockContentionError
	assert.ErrorAs(t, err, &contention)
}

func TestRotateWaitLockMode(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one")

	lockGuard, err := f.locker.Acquire(testID, "rotate", "bob")
	require.NoError(t, err)
	go func() {
		time.Sleep(300 * time.Millisecond)
		lockGuard.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.orch.Rotate(ctx, Request{Identity: testID, Actor: "app-signal", WaitLock: true})
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeCommitted, res.Outcome)
}

func TestRotatePoolNotInitialized(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.orch.Rotate(context.Background(), Request{Identity: testID, Actor: "alice"})
	var notInit errors.PoolNotInitializedError
	assert.ErrorAs(t, err, &notInit)
}

func TestRotateRedeployFlag(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one")

	f.rotate(t, Request{Identity: testID, Actor: "alice", Redeploy: true})
	assert.Equal(t, 1, f.conn.redeployed)
}

func TestRotateMaintenanceWindowBlocksProduction(t *testing.T) {
	f := newFixture(t, 0)
	prodID := pool.Identity{SecretName: "api-key", Environment: "prod"}
	require.NoError(t, f.pools.Init(prodID, []string{"key-one"}, false))

	// a window that can never match the current time
	f.cfg.Definition.MaintenanceWindows = []config.MaintenanceWindow{
		{Days: []string{time.Now().UTC().AddDate(0, 0, 1).Weekday().String()}, StartHour: 0, EndHour: 1},
	}

	_, err := f.orch.Rotate(context.Background(), Request{Identity: prodID, Actor: "alice"})
	var blocked errors.MaintenanceWindowError
	require.ErrorAs(t, err, &blocked)

	// nothing was touched
	status, err := f.pools.Status(prodID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Available)
	records, err := f.audit.List(prodID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records)

	// non-production identities are not gated
	f.initPool(t, "other-key")
	res := f.rotate(t, Request{Identity: testID, Actor: "alice"})
	assert.Equal(t, audit.OutcomeCommitted, res.Outcome)
}

func TestRollbackRestoresPreviousValue(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one", "key-two")

	f.rotate(t, Request{Identity: testID, Actor: "alice"})
	committed := f.rotate(t, Request{Identity: testID, Actor: "alice"})
	require.Equal(t, "key-two", f.conn.lastApplied())

	rec, err := f.rollback.Rollback(context.Background(), RollbackRequest{Identity: testID, Actor: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "key-one", f.conn.lastApplied())
	assert.Equal(t, audit.OutcomeRolledBack, rec.Outcome)
	assert.Equal(t, committed.Record.Sequence, rec.RollbackOf)
	assert.NoError(t, f.audit.VerifyChain(testID))
}

func TestRollbackIsSingleUse(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one", "key-two")

	f.rotate(t, Request{Identity: testID, Actor: "alice"})
	f.rotate(t, Request{Identity: testID, Actor: "alice"})

	_, err := f.rollback.Rollback(context.Background(), RollbackRequest{Identity: testID, Actor: "alice"})
	require.NoError(t, err)

	_, err = f.rollback.Rollback(context.Background(), RollbackRequest{Identity: testID, Actor: "alice"})
	var missing errors.NoRollbackAvailableError
	assert.ErrorAs(t, err, &missing)
}

func TestRollbackWindowExpired(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one", "key-two")

	f.rotate(t, Request{Identity: testID, Actor: "alice"})
	f.rotate(t, Request{Identity: testID, Actor: "alice"})

	// age the snapshot past the window
	snap, err := f.snapshots.Load(testID)
	require.NoError(t, err)
	snap.CommittedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.snapshots.Save(testID, *snap))

	before := f.conn.lastApplied()
	_, err = f.rollback.Rollback(context.Background(), RollbackRequest{Identity: testID, Actor: "alice"})
	var expired errors.RollbackWindowExpiredError
	require.ErrorAs(t, err, &expired)

	// target unchanged, snapshot lazily discarded
	assert.Equal(t, before, f.conn.lastApplied())
	_, err = f.snapshots.Load(testID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRollbackWithoutSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one")

	// first rotation has no previous value, so nothing to roll back to
	f.rotate(t, Request{Identity: testID, Actor: "alice"})

	_, err := f.rollback.Rollback(context.Background(), RollbackRequest{Identity: testID, Actor: "alice"})
	var missing errors.NoRollbackAvailableError
	assert.ErrorAs(t, err, &missing)
}

func TestRollbackFailedApplyKeepsSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one", "key-two")

	f.rotate(t, Request{Identity: testID, Actor: "alice"})
	f.rotate(t, Request{Identity: testID, Actor: "alice"})

	f.conn.applyErr = fmt.Errorf("target unreachable")
	_, err := f.rollback.Rollback(context.Background(), RollbackRequest{Identity: testID, Actor: "alice"})
	var failure errors.ConnectorFailure
	require.ErrorAs(t, err, &failure)

	// retry succeeds once the target recovers
	f.conn.applyErr = nil
	rec, err := f.rollback.Rollback(context.Background(), RollbackRequest{Identity: testID, Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeRolledBack, rec.Outcome)
	assert.Equal(t, "key-one", f.conn.lastApplied())
}

func TestSerializedRotationsVerifyAndMatchPool(t *testing.T) {
	f := newFixture(t, 0)
	f.initPool(t, "key-one", "key-two", "key-three")

	for i := 0; i < 3; i++ {
		f.rotate(t, Request{Identity: testID, Actor: "alice"})
	}

	require.NoError(t, f.audit.VerifyChain(testID))

	latest, err := f.audit.LatestCommitted(testID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, logging.Fingerprint(f.conn.lastApplied()), latest.Fingerprint)
}

// Two orchestrators over one state directory stand in for the CLI and the
// daemon rotating the same identity at once. Each round exactly one attempt
// may hold the lock; losers surface contention and leave no trace, and the
// committed history must look as if every rotation ran alone.
func TestConcurrentRotationsSerialize(t *testing.T) {
	keysDir := t.TempDir()
	storeDir := t.TempDir()
	a := newFixtureAt(t, 0, keysDir, storeDir)
	b := newFixtureAt(t, 0, keysDir, storeDir)

	seed := []string{
		"key-01", "key-02", "key-03", "key-04", "key-05",
		"key-06", "key-07", "key-08", "key-09", "key-10",
	}
	require.NoError(t, a.pools.Init(testID, seed, false))

	var (
		mu        sync.Mutex
		successes int
	)
	const rounds = 5
	for round := 0; round < rounds; round++ {
		var wg sync.WaitGroup
		for _, f := range []*fixture{a, b} {
			wg.Add(1)
			go func(f *fixture) {
				defer wg.Done()
				_, err := f.orch.Rotate(context.Background(), Request{Identity: testID, Actor: "race", Force: true})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				var contention errors.LockContentionError
				assert.ErrorAs(t, err, &contention, "losers may only fail on lock contention")
			}(f)
		}
		wg.Wait()
	}

	require.GreaterOrEqual(t, successes, rounds, "every round has a winner")
	require.NoError(t, a.audit.VerifyChain(testID))

	records, err := a.audit.List(testID, time.Time{}, time.Time{})
	require.NoError(t, err)
	committed := 0
	for _, rec := range records {
		if rec.Outcome == audit.OutcomeCommitted {
			committed++
		}
	}
	assert.Equal(t, successes, committed, "committed records match successful rotations")
	assert.Equal(t, successes, len(a.conn.applied)+len(b.conn.applied))

	status, err := a.pools.Status(testID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, len(seed)-successes, status.Available)
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	attempt := NewAttempt(testID, "", "alice", false)

	assert.Error(t, attempt.TransitionTo(StateConnectorApplied, ""))
	require.NoError(t, attempt.TransitionTo(StateLockAcquired, ""))
	assert.Error(t, attempt.TransitionTo(StateDone, ""))
	assert.False(t, attempt.StateNow().IsTerminal())
}
