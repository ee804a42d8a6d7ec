// Package guard serializes rotations per secret identity. The lock is
// advisory and shared across processes through the durable store; the
// cooldown is derived from the audit log rather than held as its own state.
package guard

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/birchsec/birch/internal/audit"
	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/logging"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/store"
)

const (
	kindLocks = "locks"

	// waitPollInterval paces lock retries for waiting callers.
	waitPollInterval = 200 * time.Millisecond
)

// LockState tags what happened to a lock record. Reclaimed records are
// archived rather than deleted so the trail of crash recoveries survives.
type LockState string

const (
	LockHeld      LockState = "held"
	LockReclaimed LockState = "reclaimed"
)

// LockRecord is the persisted lock document for one secret identity.
type LockRecord struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Operation  string    `json:"operation"`
	State      LockState `json:"state"`
}

// Locker acquires per-identity rotation locks.
type Locker struct {
	store     store.Store
	audit     *audit.Log
	logger    *logging.Logger
	staleness time.Duration
}

func NewLocker(st store.Store, log *audit.Log, logger *logging.Logger, staleness time.Duration) *Locker {
	return &Locker{store: st, audit: log, logger: logger, staleness: staleness}
}

// Guard owns one acquired lock. Release is safe to call more than once and
// runs exactly once, so deferred releases survive panics and early returns.
type Guard struct {
	locker   *Locker
	id       pool.Identity
	holderID string
	once     sync.Once
}

// HolderID identifies this acquisition in lock contention diagnostics.
func (g *Guard) HolderID() string {
	return g.holderID
}

// Release gives the lock back. If the record was reclaimed out from under a
// crashed-then-revived holder, the newer holder's record is left alone: the
// delete is versioned, so a record swapped between the read and the delete
// survives as a version conflict instead of being removed.
func (g *Guard) Release() {
	g.once.Do(func() {
		var rec LockRecord
		version, err := g.locker.store.Get(kindLocks, g.id.Key(), &rec)
		if err != nil {
			return
		}
		if rec.HolderID != g.holderID {
			g.locker.logger.Warn("Lock for %s changed hands (now %s), skipping release", g.id, rec.HolderID)
			return
		}
		err = g.locker.store.DeleteVersion(kindLocks, g.id.Key(), version)
		if err == store.ErrNotFound || stderrors.Is(err, store.ErrVersionConflict) {
			g.locker.logger.Warn("Lock for %s changed hands during release, leaving it in place", g.id)
			return
		}
		if err != nil {
			g.locker.logger.Warn("Failed to release lock for %s: %v", g.id, err)
		}
	})
}

// Acquire takes the lock or fails fast with LockContentionError. A stale
// holder (older than the staleness bound) is reclaimed: its record is marked
// reclaimed, archived, and the reclamation is audit-logged before a fresh
// lock is created.
func (l *Locker) Acquire(id pool.Identity, operation, actor string) (*Guard, error) {
	rec := LockRecord{
		HolderID:   uuid.NewString(),
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
		Operation:  operation,
		State:      LockHeld,
	}

	err := l.store.Create(kindLocks, id.Key(), rec)
	if err == nil {
		return &Guard{locker: l, id: id, holderID: rec.HolderID}, nil
	}
	if err != store.ErrExists {
		return nil, err
	}

	var existing LockRecord
	version, err := l.store.Get(kindLocks, id.Key(), &existing)
	if err == store.ErrNotFound {
		// released between our create and read, one retry is enough
		if err := l.store.Create(kindLocks, id.Key(), rec); err != nil {
			if err == store.ErrExists {
				return nil, l.contention(id)
			}
			return nil, err
		}
		return &Guard{locker: l, id: id, holderID: rec.HolderID}, nil
	}
	if err != nil {
		return nil, err
	}

	if time.Since(existing.AcquiredAt) <= l.staleness {
		return nil, errors.LockContentionError{
			SecretName:  id.SecretName,
			Environment: id.Environment,
			HolderID:    existing.HolderID,
			AcquiredAt:  existing.AcquiredAt,
		}
	}

	if err := l.reclaim(id, existing, version, actor); err != nil {
		return nil, err
	}

	if err := l.store.Create(kindLocks, id.Key(), rec); err != nil {
		if err == store.ErrExists {
			return nil, l.contention(id)
		}
		return nil, err
	}
	return &Guard{locker: l, id: id, holderID: rec.HolderID}, nil
}

// AcquireWait retries until the lock is free or the context ends. Daemon
// workers use this mode; CLI invocations fail fast instead.
func (l *Locker) AcquireWait(ctx context.Context, id pool.Identity, operation, actor string) (*Guard, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		guard, err := l.Acquire(id, operation, actor)
		if err == nil {
			return guard, nil
		}
		var contention errors.LockContentionError
		if !stderrors.As(err, &contention) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) reclaim(id pool.Identity, existing LockRecord, version uint64, actor string) error {
	// mark first: the versioned put is the compare-and-swap that picks a
	// single reclaimer among racing processes
	existing.State = LockReclaimed
	if _, err := l.store.Put(kindLocks, id.Key(), version, existing); err != nil {
		if stderrors.Is(err, store.ErrVersionConflict) {
			return l.contention(id)
		}
		return err
	}

	if _, err := l.store.Archive(kindLocks, id.Key()); err != nil {
		if err == store.ErrNotFound {
			return l.contention(id)
		}
		return err
	}

	l.logger.Warn("Reclaimed stale lock for %s (holder %s, pid %d, held %s)",
		id, existing.HolderID, existing.PID, time.Since(existing.AcquiredAt).Round(time.Second))

	_, err := l.audit.Append(id, audit.Entry{
		Actor:   actor,
		Action:  audit.ActionReclaim,
		Outcome: audit.OutcomeCommitted,
		Target:  "holder:" + existing.HolderID,
	})
	return err
}

func (l *Locker) contention(id pool.Identity) error {
	var rec LockRecord
	if _, err := l.store.Get(kindLocks, id.Key(), &rec); err == nil {
		return errors.LockContentionError{
			SecretName:  id.SecretName,
			Environment: id.Environment,
			HolderID:    rec.HolderID,
			AcquiredAt:  rec.AcquiredAt,
		}
	}
	return errors.LockContentionError{
		SecretName:  id.SecretName,
		Environment: id.Environment,
	}
}
