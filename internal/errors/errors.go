package errors

import (
	"fmt"
	"strings"
	"time"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// LockContentionError indicates another holder owns the rotation lock for a
// secret identity and the lock is not yet stale.
type LockContentionError struct {
	SecretName  string
	Environment string
	HolderID    string
	AcquiredAt  time.Time
}

func (e LockContentionError) Error() string {
	return fmt.Sprintf("rotation lock for %s/%s is held by %s (acquired %s ago)",
		e.Environment, e.SecretName, e.HolderID,
		time.Since(e.AcquiredAt).Round(time.Second))
}

// CooldownActiveError indicates a rotation was attempted inside the cooldown
// window following the last committed rotation.
type CooldownActiveError struct {
	Remaining time.Duration
}

func (e CooldownActiveError) Error() string {
	return fmt.Sprintf("cooldown active: wait %s before rotating again",
		e.Remaining.Round(time.Second))
}

// PoolNotInitializedError indicates no key pool exists for a secret identity.
type PoolNotInitializedError struct {
	SecretName  string
	Environment string
}

func (e PoolNotInitializedError) Error() string {
	return fmt.Sprintf("no key pool initialized for %s/%s", e.Environment, e.SecretName)
}

// PoolExhaustedError indicates every value in the pool has been used.
// Exhaustion is terminal: replenish with 'birch pool add'.
type PoolExhaustedError struct {
	SecretName  string
	Environment string
}

func (e PoolExhaustedError) Error() string {
	return fmt.Sprintf("key pool for %s/%s is exhausted", e.Environment, e.SecretName)
}

// ConnectorFailure wraps an error from a connector's Apply or Redeploy call.
type ConnectorFailure struct {
	Service string
	Reason  string
	Err     error
}

func (e ConnectorFailure) Error() string {
	msg := fmt.Sprintf("connector '%s' failed", e.Service)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ConnectorFailure) Unwrap() error {
	return e.Err
}

// RedeployUnsupportedError indicates the target connector has no redeploy hook.
type RedeployUnsupportedError struct {
	Service string
}

func (e RedeployUnsupportedError) Error() string {
	return fmt.Sprintf("connector '%s' does not support triggering a redeploy", e.Service)
}

// RollbackWindowExpiredError indicates the rollback snapshot has aged out.
type RollbackWindowExpiredError struct {
	CommittedAt time.Time
	Window      time.Duration
}

func (e RollbackWindowExpiredError) Error() string {
	return fmt.Sprintf("rollback window expired %s ago (window: %s)",
		time.Since(e.CommittedAt.Add(e.Window)).Round(time.Second), e.Window)
}

// NoRollbackAvailableError indicates no snapshot exists for the identity,
// either because nothing was committed or the snapshot was already consumed.
type NoRollbackAvailableError struct {
	SecretName  string
	Environment string
}

func (e NoRollbackAvailableError) Error() string {
	return fmt.Sprintf("no rollback snapshot available for %s/%s", e.Environment, e.SecretName)
}

// AuditTamperError indicates chain verification failed at a specific sequence.
// Further appends on the identity's chain must be refused until resolved.
type AuditTamperError struct {
	SecretName  string
	Environment string
	Sequence    uint64
	Reason      string
}

func (e AuditTamperError) Error() string {
	msg := fmt.Sprintf("audit chain for %s/%s failed verification at sequence %d",
		e.Environment, e.SecretName, e.Sequence)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// MaintenanceWindowError indicates a production rotation was attempted
// outside every configured maintenance window.
type MaintenanceWindowError struct {
	Now time.Time
}

func (e MaintenanceWindowError) Error() string {
	return fmt.Sprintf("outside configured maintenance windows (current time: %s %02d:00 UTC)",
		e.Now.UTC().Weekday(), e.Now.UTC().Hour())
}
