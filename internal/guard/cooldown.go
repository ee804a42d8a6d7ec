package guard

import (
	"time"

	"github.com/birchsec/birch/internal/audit"
	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/pool"
)

// Cooldown rate-limits committed rotations per identity. It keeps no state of
// its own: the window is recomputed from the audit log's latest committed
// record, which makes it trivially crash-safe.
type Cooldown struct {
	audit  *audit.Log
	window time.Duration
}

func NewCooldown(log *audit.Log, window time.Duration) *Cooldown {
	return &Cooldown{audit: log, window: window}
}

// Remaining returns how much of the cooldown window is left, zero when the
// identity may rotate.
func (c *Cooldown) Remaining(id pool.Identity) (time.Duration, error) {
	latest, err := c.audit.LatestCommitted(id)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, nil
	}

	remaining := time.Until(latest.Timestamp.Add(c.window))
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// Check fails with CooldownActiveError while the window is open.
func (c *Cooldown) Check(id pool.Identity) error {
	remaining, err := c.Remaining(id)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return errors.CooldownActiveError{Remaining: remaining}
	}
	return nil
}
