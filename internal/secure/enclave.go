// Package secure wraps memguard to hold key material and decrypted pool
// values in encrypted, mlock-protected memory while a rotation is in flight.
package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned by Use after Destroy; the plaintext is gone and
// callers must not treat the buffer as empty-but-usable.
var ErrDestroyed = errors.New("secure buffer destroyed")

// Buffer provides memory-safe storage for sensitive bytes. The plaintext
// only exists transiently inside Use; at rest the enclave keeps it
// encrypted and locked out of swap.
type Buffer struct {
	enclave *memguard.Enclave
	mu      sync.RWMutex
	destroyed bool
}

// NewBuffer copies data into a protected enclave. The caller should zero
// its own copy afterwards.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{enclave: memguard.NewEnclave(data)}
}

// Use decrypts the buffer, passes the plaintext to fn, and wipes it before
// returning. The slice must not escape fn.
func (b *Buffer) Use(fn func(data []byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return ErrDestroyed
	}

	locked, err := b.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// Destroy marks the buffer as unusable. Idempotent; the encrypted enclave
// data needs no explicit wipe.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (b *Buffer) Destroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.destroyed
}

// Purge wipes every memguard allocation. Call from a defer in main.
func Purge() {
	memguard.Purge()
}
