// Package pool manages the ordered candidate values for a secret identity.
// Values are encrypted at rest and advance strictly in insertion order, with
// exactly one value active at a time.
package pool

import (
	"fmt"
	"strings"
	"time"

	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/keys"
	"github.com/birchsec/birch/internal/logging"
	"github.com/birchsec/birch/internal/store"
	"github.com/birchsec/birch/internal/validation"
)

const kindPools = "pools"

// Identity addresses one rotation target.
type Identity struct {
	SecretName  string `json:"secret_name"`
	Environment string `json:"environment"`
}

// Key returns the storage key for the identity.
func (id Identity) Key() string {
	return id.Environment + "." + id.SecretName
}

func (id Identity) String() string {
	return id.SecretName + " (" + id.Environment + ")"
}

// ValueStatus tracks where a candidate value is in its lifecycle.
type ValueStatus string

const (
	StatusAvailable ValueStatus = "available"
	StatusActive    ValueStatus = "active"
	StatusExhausted ValueStatus = "exhausted"
)

// Value is one candidate credential. Encrypted holds the
// ChaCha20-Poly1305-sealed plaintext; the plaintext itself is never persisted.
type Value struct {
	Encrypted string      `json:"encrypted"`
	Status    ValueStatus `json:"status"`
	AddedAt   time.Time   `json:"added_at"`
	LastUsed  *time.Time  `json:"last_used,omitempty"`
	UseCount  int         `json:"use_count"`
}

// Pool is the persisted document for one secret identity.
type Pool struct {
	SecretName  string    `json:"secret_name"`
	Environment string    `json:"environment"`
	Values      []Value   `json:"values"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Selection is the result of advancing a pool. PreviousEncrypted carries the
// sealed prior active value for the rollback snapshot; it is empty when the
// pool had no active value yet.
type Selection struct {
	Plaintext         string
	Fingerprint       string
	Index             int
	PreviousIndex     int
	PreviousEncrypted string
}

// Status summarizes a pool for operators.
type Status struct {
	Identity  Identity
	Available int
	Active    int
	Exhausted int
	LowPool   bool
}

// Entry is one masked row for pool listings.
type Entry struct {
	Fingerprint string
	Status      ValueStatus
	AddedAt     time.Time
	UseCount    int
}

// Manager performs all pool mutations. Callers serialize writes per identity
// through the rotation lock; the manager itself only guards against torn
// writes via the store's versioned puts.
type Manager struct {
	store        store.Store
	material     *keys.Material
	logger       *logging.Logger
	lowWatermark int
}

func NewManager(st store.Store, material *keys.Material, logger *logging.Logger, lowWatermark int) *Manager {
	return &Manager{
		store:        st,
		material:     material,
		logger:       logger,
		lowWatermark: lowWatermark,
	}
}

// Init creates a pool with the given plaintext values. An existing pool is
// only replaced when overwrite is set.
func (m *Manager) Init(id Identity, values []string, overwrite bool) error {
	if len(values) == 0 {
		return errors.UserError{
			Message:    fmt.Sprintf("no values provided for %s", id),
			Suggestion: "pass values with --keys or --from-file",
		}
	}

	if err := m.checkValues(validation.CheckBatch(values), id); err != nil {
		return err
	}

	now := time.Now().UTC()
	p := Pool{
		SecretName:  id.SecretName,
		Environment: id.Environment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, v := range values {
		sealed, err := m.material.EncryptString(v)
		if err != nil {
			return fmt.Errorf("failed to encrypt pool value: %w", err)
		}
		p.Values = append(p.Values, Value{
			Encrypted: sealed,
			Status:    StatusAvailable,
			AddedAt:   now,
		})
	}

	if overwrite {
		if err := m.store.Delete(kindPools, id.Key()); err != nil {
			return err
		}
	}

	err := m.store.Create(kindPools, id.Key(), p)
	if err == store.ErrExists {
		return errors.UserError{
			Message:    fmt.Sprintf("a key pool already exists for %s", id),
			Suggestion: "use --overwrite to replace it, or 'birch pool add' to extend it",
		}
	}
	if err != nil {
		return err
	}

	m.logger.Info("Initialized pool for %s with %d value(s)", id, len(values))
	return nil
}

// checkValues turns validation failures into a UserError and logs warnings.
func (m *Manager) checkValues(result *validation.Result, id Identity) error {
	for _, w := range result.Warnings {
		m.logger.Warn("Pool %s: %s", id, w)
	}
	if result.Valid {
		return nil
	}
	return errors.UserError{
		Message:    fmt.Sprintf("invalid pool value(s) for %s: %s", id, strings.Join(result.Errors, "; ")),
		Suggestion: "check for copy/paste artifacts and duplicate values",
	}
}

// Add appends a new available value to an existing pool.
func (m *Manager) Add(id Identity, value string) error {
	if err := m.checkValues(validation.CheckValue(value), id); err != nil {
		return err
	}

	p, version, err := m.load(id)
	if err != nil {
		return err
	}

	sealed, err := m.material.EncryptString(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt pool value: %w", err)
	}

	now := time.Now().UTC()
	p.Values = append(p.Values, Value{
		Encrypted: sealed,
		Status:    StatusAvailable,
		AddedAt:   now,
	})
	p.UpdatedAt = now

	if _, err := m.store.Put(kindPools, id.Key(), version, p); err != nil {
		return err
	}

	m.logger.Debug("Added value %s to pool %s", logging.Fingerprint(value), id)
	return nil
}

// Next advances the pool: the prior active value becomes exhausted and the
// first available value in insertion order becomes active. The flip is
// persisted before the plaintext is returned.
func (m *Manager) Next(id Identity) (*Selection, error) {
	p, version, err := m.load(id)
	if err != nil {
		return nil, err
	}

	sel := &Selection{Index: -1, PreviousIndex: -1}
	for i := range p.Values {
		switch p.Values[i].Status {
		case StatusActive:
			sel.PreviousIndex = i
			sel.PreviousEncrypted = p.Values[i].Encrypted
		case StatusAvailable:
			if sel.Index == -1 {
				sel.Index = i
			}
		}
	}

	if sel.Index == -1 {
		return nil, errors.PoolExhaustedError{
			SecretName:  id.SecretName,
			Environment: id.Environment,
		}
	}

	plaintext, err := m.material.DecryptString(p.Values[sel.Index].Encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt pool value: %w", err)
	}

	now := time.Now().UTC()
	if sel.PreviousIndex >= 0 {
		p.Values[sel.PreviousIndex].Status = StatusExhausted
	}
	p.Values[sel.Index].Status = StatusActive
	p.Values[sel.Index].LastUsed = &now
	p.Values[sel.Index].UseCount++
	p.UpdatedAt = now

	if _, err := m.store.Put(kindPools, id.Key(), version, p); err != nil {
		return nil, err
	}

	sel.Plaintext = plaintext
	sel.Fingerprint = logging.Fingerprint(plaintext)
	return sel, nil
}

// Peek returns the selection Next would make without advancing the pool.
// Dry runs use this so they never touch persisted state.
func (m *Manager) Peek(id Identity) (*Selection, error) {
	p, _, err := m.load(id)
	if err != nil {
		return nil, err
	}

	sel := &Selection{Index: -1, PreviousIndex: -1}
	for i := range p.Values {
		switch p.Values[i].Status {
		case StatusActive:
			sel.PreviousIndex = i
			sel.PreviousEncrypted = p.Values[i].Encrypted
		case StatusAvailable:
			if sel.Index == -1 {
				sel.Index = i
			}
		}
	}
	if sel.Index == -1 {
		return nil, errors.PoolExhaustedError{
			SecretName:  id.SecretName,
			Environment: id.Environment,
		}
	}

	plaintext, err := m.material.DecryptString(p.Values[sel.Index].Encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt pool value: %w", err)
	}
	sel.Plaintext = plaintext
	sel.Fingerprint = logging.Fingerprint(plaintext)
	return sel, nil
}

// Return undoes a Next after a failed apply: the selected value goes back to
// available and the prior active value is restored.
func (m *Manager) Return(id Identity, sel *Selection) error {
	p, version, err := m.load(id)
	if err != nil {
		return err
	}

	if sel.Index < 0 || sel.Index >= len(p.Values) {
		return fmt.Errorf("selection index %d out of range for pool %s", sel.Index, id)
	}

	p.Values[sel.Index].Status = StatusAvailable
	p.Values[sel.Index].LastUsed = nil
	if p.Values[sel.Index].UseCount > 0 {
		p.Values[sel.Index].UseCount--
	}
	if sel.PreviousIndex >= 0 && sel.PreviousIndex < len(p.Values) {
		p.Values[sel.PreviousIndex].Status = StatusActive
	}
	p.UpdatedAt = time.Now().UTC()

	if _, err := m.store.Put(kindPools, id.Key(), version, p); err != nil {
		return err
	}

	m.logger.Debug("Returned value %s to pool %s", sel.Fingerprint, id)
	return nil
}

// Status reports value counts and flags a low pool at the watermark.
func (m *Manager) Status(id Identity) (*Status, error) {
	p, _, err := m.load(id)
	if err != nil {
		return nil, err
	}

	s := &Status{Identity: id}
	for _, v := range p.Values {
		switch v.Status {
		case StatusAvailable:
			s.Available++
		case StatusActive:
			s.Active++
		case StatusExhausted:
			s.Exhausted++
		}
	}
	s.LowPool = s.Available <= m.lowWatermark
	return s, nil
}

// List returns masked entries in insertion order.
func (m *Manager) List(id Identity) ([]Entry, error) {
	p, _, err := m.load(id)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(p.Values))
	for _, v := range p.Values {
		plaintext, err := m.material.DecryptString(v.Encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt pool value: %w", err)
		}
		entries = append(entries, Entry{
			Fingerprint: logging.Fingerprint(plaintext),
			Status:      v.Status,
			AddedAt:     v.AddedAt,
			UseCount:    v.UseCount,
		})
	}
	return entries, nil
}

// Identities returns every identity with a pool.
func (m *Manager) Identities() ([]Identity, error) {
	storeKeys, err := m.store.ListKeys(kindPools)
	if err != nil {
		return nil, err
	}

	var ids []Identity
	for _, k := range storeKeys {
		var p Pool
		if _, err := m.store.Get(kindPools, k, &p); err != nil {
			return nil, err
		}
		ids = append(ids, Identity{SecretName: p.SecretName, Environment: p.Environment})
	}
	return ids, nil
}

func (m *Manager) load(id Identity) (*Pool, uint64, error) {
	var p Pool
	version, err := m.store.Get(kindPools, id.Key(), &p)
	if err == store.ErrNotFound {
		return nil, 0, errors.PoolNotInitializedError{
			SecretName:  id.SecretName,
			Environment: id.Environment,
		}
	}
	if err != nil {
		return nil, 0, err
	}
	return &p, version, nil
}
