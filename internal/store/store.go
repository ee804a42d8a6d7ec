// Package store provides the durable state layer shared by the CLI and the
// daemon: versioned documents for pools and snapshots, exclusive-create
// records for locks, and append-only sequences for the audit chain.
//
// All writes are crash-safe: fsync before an atomic rename. Exclusive
// creates use O_EXCL so independent processes racing on the same key get
// exactly one winner, and versioned writes take an O_EXCL claim on the next
// version so compare-and-swap holds across processes, not just goroutines.
package store

import (
	"errors"
)

var (
	// ErrNotFound indicates no document exists under the key.
	ErrNotFound = errors.New("store: not found")

	// ErrExists indicates an exclusive create lost the race.
	ErrExists = errors.New("store: already exists")

	// ErrVersionConflict indicates a versioned put observed a concurrent write.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Store is the durable state interface consumed by the pool manager, the
// lock guard, the audit log and the rollback snapshot store.
type Store interface {
	// Get unmarshals the document at kind/key into out and returns its version.
	Get(kind, key string, out interface{}) (uint64, error)

	// Put writes the document at kind/key if its current version still equals
	// expected (0 for a document that must not yet exist). Returns the new
	// version or ErrVersionConflict.
	Put(kind, key string, expected uint64, in interface{}) (uint64, error)

	// Create writes a new document with O_EXCL semantics: it fails with
	// ErrExists if any document is present under the key.
	Create(kind, key string, in interface{}) error

	// Delete removes the document. Missing documents are not an error.
	Delete(kind, key string) error

	// DeleteVersion removes the document only if its current version still
	// equals expected, with the same cross-process exclusivity as Put.
	// Returns ErrNotFound if no document exists and ErrVersionConflict if
	// the version moved.
	DeleteVersion(kind, key string, expected uint64) error

	// Archive atomically renames the document under kind/key into the
	// archive space for that kind, returning the archive key. Exactly one
	// of several racing callers succeeds; the rest get ErrNotFound.
	Archive(kind, key string) (string, error)

	// AppendSeq creates the numbered entry of an append-only sequence.
	// Existing sequence numbers are never overwritten (ErrExists).
	AppendSeq(kind, key string, seq uint64, data []byte) error

	// ReadSeq returns the raw bytes of one sequence entry.
	ReadSeq(kind, key string, seq uint64) ([]byte, error)

	// ListSeq returns all sequence numbers present under kind/key in
	// ascending order.
	ListSeq(kind, key string) ([]uint64, error)

	// ListKeys returns every key present under a kind.
	ListKeys(kind string) ([]string, error)
}
