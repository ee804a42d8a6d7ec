package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchsec/birch/internal/audit"
	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/keys"
	"github.com/birchsec/birch/internal/logging"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/store"
)

var testID = pool.Identity{SecretName: "api-key", Environment: "prod"}

type fixture struct {
	store  store.Store
	audit  *audit.Log
	logger *logging.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	material, err := keys.LoadFromFile(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(material.Destroy)

	st := store.NewFileStore(t.TempDir())
	return &fixture{
		store:  st,
		audit:  audit.NewLog(st, material),
		logger: logging.New(false, true),
	}
}

func (f *fixture) locker(staleness time.Duration) *Locker {
	return NewLocker(f.store, f.audit, f.logger, staleness)
}

func TestAcquireAndRelease(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(30 * time.Second)

	guard, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, guard.HolderID())

	guard.Release()

	// lock is free again
	second, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)
	second.Release()
}

func TestAcquireContention(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(30 * time.Second)

	guard, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)
	defer guard.Release()

	_, err = locker.Acquire(testID, "rotate", "bob")
	var contention errors.LockContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, guard.HolderID(), contention.HolderID)
}

func TestContentionDoesNotBlockOtherIdentities(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(30 * time.Second)

	guard, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)
	defer guard.Release()

	other, err := locker.Acquire(pool.Identity{SecretName: "db-pass", Environment: "prod"}, "rotate", "alice")
	require.NoError(t, err)
	other.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(30 * time.Second)

	guard, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)

	guard.Release()
	guard.Release()

	next, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)
	next.Release()
}

func TestStaleLockReclaimed(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(10 * time.Millisecond)

	abandoned, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)
	// simulate a crash: never released
	_ = abandoned

	time.Sleep(20 * time.Millisecond)

	guard, err := locker.Acquire(testID, "rotate", "bob")
	require.NoError(t, err)
	defer guard.Release()
	assert.NotEqual(t, abandoned.HolderID(), guard.HolderID())

	// the reclamation itself is on the audit chain
	records, err := f.audit.List(testID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.ActionReclaim, records[0].Action)
	assert.Equal(t, "bob", records[0].Actor)
	assert.Contains(t, records[0].Target, abandoned.HolderID())
}

func TestReclaimedHolderReleaseIsNoop(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(10 * time.Millisecond)

	abandoned, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	current, err := locker.Acquire(testID, "rotate", "bob")
	require.NoError(t, err)
	defer current.Release()

	// the revived old holder must not drop the new holder's lock
	abandoned.Release()

	_, err = locker.Acquire(testID, "rotate", "carol")
	var contention errors.LockContentionError
	assert.ErrorAs(t, err, &contention)
}

// A stale holder releasing while a reclaimer takes over must never drop the
// reclaimer's fresh lock. The release races the reclaim over many iterations;
// whenever the reclaimer wins the lock, a third actor must still see it held.
func TestReleaseRacingReclaimKeepsNewHolder(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(5 * time.Millisecond)

	for i := 0; i < 50; i++ {
		stale, err := locker.Acquire(testID, "rotate", "alice")
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)

		var (
			reclaimed    *Guard
			reclaimedErr error
			done         = make(chan struct{})
		)
		go func() {
			defer close(done)
			reclaimed, reclaimedErr = locker.Acquire(testID, "rotate", "bob")
		}()
		stale.Release()
		<-done

		if reclaimedErr != nil {
			// the release freed the lock mid-reclaim; nothing to check
			continue
		}

		_, err = locker.Acquire(testID, "rotate", "carol")
		var contention errors.LockContentionError
		require.ErrorAs(t, err, &contention, "iteration %d: reclaimed lock was dropped by the stale release", i)
		assert.Equal(t, reclaimed.HolderID(), contention.HolderID)

		reclaimed.Release()
	}
}

func TestAcquireWaitSucceedsWhenFreed(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(30 * time.Second)

	guard, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)

	go func() {
		time.Sleep(300 * time.Millisecond)
		guard.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	waited, err := locker.AcquireWait(ctx, testID, "rotate", "daemon")
	require.NoError(t, err)
	waited.Release()
}

func TestAcquireWaitHonorsContext(t *testing.T) {
	f := newFixture(t)
	locker := f.locker(30 * time.Second)

	guard, err := locker.Acquire(testID, "rotate", "alice")
	require.NoError(t, err)
	defer guard.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	_, err = locker.AcquireWait(ctx, testID, "rotate", "daemon")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCooldownOpenWithoutHistory(t *testing.T) {
	f := newFixture(t)
	cooldown := NewCooldown(f.audit, time.Minute)

	assert.NoError(t, cooldown.Check(testID))
}

func TestCooldownActiveAfterCommit(t *testing.T) {
	f := newFixture(t)
	cooldown := NewCooldown(f.audit, time.Minute)

	_, err := f.audit.Append(testID, audit.Entry{
		Actor:   "alice",
		Action:  audit.ActionRotate,
		Outcome: audit.OutcomeCommitted,
	})
	require.NoError(t, err)

	err = cooldown.Check(testID)
	var active errors.CooldownActiveError
	require.ErrorAs(t, err, &active)
	assert.Greater(t, active.Remaining, 50*time.Second)
	assert.LessOrEqual(t, active.Remaining, time.Minute)
}

func TestCooldownIgnoresFailedAttempts(t *testing.T) {
	f := newFixture(t)
	cooldown := NewCooldown(f.audit, time.Minute)

	for _, outcome := range []audit.Outcome{audit.OutcomeFailed, audit.OutcomeDryRun} {
		_, err := f.audit.Append(testID, audit.Entry{
			Actor:   "alice",
			Action:  audit.ActionRotate,
			Outcome: outcome,
		})
		require.NoError(t, err)
	}

	assert.NoError(t, cooldown.Check(testID))
}

func TestCooldownExpires(t *testing.T) {
	f := newFixture(t)
	cooldown := NewCooldown(f.audit, 10*time.Millisecond)

	_, err := f.audit.Append(testID, audit.Entry{
		Actor:   "alice",
		Action:  audit.ActionRotate,
		Outcome: audit.OutcomeCommitted,
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, cooldown.Check(testID))
}
