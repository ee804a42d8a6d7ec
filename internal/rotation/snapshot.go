package rotation

import (
	"time"

	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/store"
)

const kindSnapshots = "snapshots"

// Snapshot retains the sealed previous value after a committed rotation so
// it can be restored within the rollback window. Single use: a successful
// rollback clears it.
type Snapshot struct {
	EncryptedPrevious string    `json:"encrypted_previous"`
	CommittedAt       time.Time `json:"committed_at"`
	Sequence          uint64    `json:"sequence"`
}

// SnapshotStore persists one snapshot per secret identity.
type SnapshotStore struct {
	store store.Store
}

func NewSnapshotStore(st store.Store) *SnapshotStore {
	return &SnapshotStore{store: st}
}

// Save upserts the identity's snapshot, replacing any prior one.
func (s *SnapshotStore) Save(id pool.Identity, snap Snapshot) error {
	var existing Snapshot
	version, err := s.store.Get(kindSnapshots, id.Key(), &existing)
	if err == store.ErrNotFound {
		version = 0
	} else if err != nil {
		return err
	}
	_, err = s.store.Put(kindSnapshots, id.Key(), version, snap)
	return err
}

// Load returns the identity's snapshot or store.ErrNotFound.
func (s *SnapshotStore) Load(id pool.Identity) (*Snapshot, error) {
	var snap Snapshot
	if _, err := s.store.Get(kindSnapshots, id.Key(), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Clear removes the identity's snapshot.
func (s *SnapshotStore) Clear(id pool.Identity) error {
	return s.store.Delete(kindSnapshots, id.Key())
}
