package rotation

import (
	"fmt"
	"sync"
	"time"

	"github.com/birchsec/birch/internal/pool"
)

// State represents where a rotation attempt is in its lifecycle.
type State string

const (
	// StateIdle indicates the attempt has not started.
	StateIdle State = "idle"

	// StateLockAcquired indicates the per-identity lock is held.
	StateLockAcquired State = "lock_acquired"

	// StateCooldownChecked indicates the cooldown gate passed.
	StateCooldownChecked State = "cooldown_checked"

	// StateValueSelected indicates the pool yielded the next candidate.
	StateValueSelected State = "value_selected"

	// StateConnectorApplied indicates the target accepted the new value.
	StateConnectorApplied State = "connector_applied"

	// StateAuditCommitted indicates the committed record is durable.
	StateAuditCommitted State = "audit_committed"

	// StateDone indicates the attempt finished successfully.
	StateDone State = "done"

	// StateRolledBackOnFailure indicates a connector failure was unwound:
	// the candidate went back to the pool and a failed record was written.
	StateRolledBackOnFailure State = "rolled_back_on_failure"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateRolledBackOnFailure
}

// ValidTransitions defines allowed state transitions. Dry runs short-circuit
// from value selection straight to done; connector failures divert to the
// rolled-back terminal state.
var ValidTransitions = map[State][]State{
	StateIdle:             {StateLockAcquired},
	StateLockAcquired:     {StateCooldownChecked},
	StateCooldownChecked:  {StateValueSelected},
	StateValueSelected:    {StateConnectorApplied, StateDone, StateRolledBackOnFailure},
	StateConnectorApplied: {StateAuditCommitted},
	StateAuditCommitted:   {StateDone},
}

// CanTransitionTo checks if a transition from current state to new state is valid.
func (s State) CanTransitionTo(newState State) bool {
	for _, valid := range ValidTransitions[s] {
		if valid == newState {
			return true
		}
	}
	return false
}

// Transition records one state change with metadata.
type Transition struct {
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// Attempt tracks one rotation request through the state machine.
type Attempt struct {
	mu sync.RWMutex

	// Current is the current state.
	Current State

	// Identity is the secret being rotated.
	Identity pool.Identity

	// Target is where the new value is applied.
	Target string

	// Actor is who or what requested the rotation.
	Actor string

	// DryRun marks a non-committing attempt.
	DryRun bool

	// StartedAt is when the attempt began.
	StartedAt time.Time

	// CompletedAt is when a terminal state was reached.
	CompletedAt time.Time

	// Transitions is the history of state transitions.
	Transitions []Transition
}

// NewAttempt creates an attempt in the idle state.
func NewAttempt(id pool.Identity, target, actor string, dryRun bool) *Attempt {
	return &Attempt{
		Current:     StateIdle,
		Identity:    id,
		Target:      target,
		Actor:       actor,
		DryRun:      dryRun,
		StartedAt:   time.Now().UTC(),
		Transitions: make([]Transition, 0),
	}
}

// TransitionTo moves the attempt to a new state, failing on transitions the
// machine does not allow.
func (a *Attempt) TransitionTo(newState State, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Current.CanTransitionTo(newState) {
		return fmt.Errorf("invalid state transition from %s to %s", a.Current, newState)
	}

	a.Transitions = append(a.Transitions, Transition{
		FromState: a.Current,
		ToState:   newState,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	a.Current = newState

	if newState.IsTerminal() {
		a.CompletedAt = time.Now().UTC()
	}
	return nil
}

// StateNow returns the current state under the read lock.
func (a *Attempt) StateNow() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Current
}

// History returns a copy of the transition history.
func (a *Attempt) History() []Transition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Transition, len(a.Transitions))
	copy(out, a.Transitions)
	return out
}
