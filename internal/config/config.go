package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	berrors "github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/logging"
)

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition
}

// Definition represents the birch.yaml structure
type Definition struct {
	Version               int                 `yaml:"version"`
	CooldownSeconds       int                 `yaml:"cooldown_seconds,omitempty"`
	RollbackWindowSeconds int                 `yaml:"rollback_window_seconds,omitempty"`
	LockStaleSeconds      int                 `yaml:"lock_stale_seconds,omitempty"`
	ConnectorTimeoutMs    int                 `yaml:"connector_timeout_ms,omitempty"`
	PoolLowWatermark      int                 `yaml:"pool_low_watermark,omitempty"`
	Daemon                DaemonConfig        `yaml:"daemon,omitempty"`
	MaintenanceWindows    []MaintenanceWindow `yaml:"maintenance_windows,omitempty"`
	Services              map[string]ServiceConfig `yaml:"services,omitempty"`
}

// DaemonConfig holds the local signal listener settings
type DaemonConfig struct {
	Bind      string `yaml:"bind,omitempty"`
	QueueSize int    `yaml:"queue_size,omitempty"`
}

// MaintenanceWindow describes an allowed change window for production targets
type MaintenanceWindow struct {
	Days      []string `yaml:"days"`
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
}

// ServiceConfig holds connector-specific configuration for a rotation target.
// Provider credentials are never placed here; each connector reads its own
// environment variables.
type ServiceConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:",inline"`
}

const (
	DefaultCooldown       = 60 * time.Second
	DefaultRollbackWindow = time.Hour
	DefaultLockStale      = 30 * time.Second
	DefaultConnectorTimeout = 30 * time.Second
	DefaultDaemonBind     = "127.0.0.1:9123"
	DefaultQueueSize      = 64
	DefaultLowWatermark   = 2
)

// Load reads and parses the birch.yaml file. A missing file yields an empty
// definition so every setting falls back to its default.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			c.Definition = &Definition{}
			c.applyEnvOverrides()
			return nil
		}
		return berrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return berrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return berrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your birch.yaml file",
		}
	}

	c.Definition = &def
	c.applyEnvOverrides()
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BIRCH_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Definition.CooldownSeconds = n
		}
	}
	if v := os.Getenv("BIRCH_ROLLBACK_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Definition.RollbackWindowSeconds = n
		}
	}
	if v := os.Getenv("BIRCH_DAEMON_BIND"); v != "" {
		c.Definition.Daemon.Bind = v
	}
}

// Cooldown returns the minimum time between committed rotations of one
// secret identity.
func (c *Config) Cooldown() time.Duration {
	if c.Definition != nil && c.Definition.CooldownSeconds > 0 {
		return time.Duration(c.Definition.CooldownSeconds) * time.Second
	}
	return DefaultCooldown
}

// RollbackWindow returns how long a rollback snapshot stays usable.
func (c *Config) RollbackWindow() time.Duration {
	if c.Definition != nil && c.Definition.RollbackWindowSeconds > 0 {
		return time.Duration(c.Definition.RollbackWindowSeconds) * time.Second
	}
	return DefaultRollbackWindow
}

// LockStaleness returns the age past which a held lock may be reclaimed.
func (c *Config) LockStaleness() time.Duration {
	if c.Definition != nil && c.Definition.LockStaleSeconds > 0 {
		return time.Duration(c.Definition.LockStaleSeconds) * time.Second
	}
	return DefaultLockStale
}

// ConnectorTimeout returns the per-call timeout for connector operations.
func (c *Config) ConnectorTimeout() time.Duration {
	if c.Definition != nil && c.Definition.ConnectorTimeoutMs > 0 {
		return time.Duration(c.Definition.ConnectorTimeoutMs) * time.Millisecond
	}
	return DefaultConnectorTimeout
}

// PoolLowWatermark returns the available-count threshold at which pool
// status raises a low-pool warning.
func (c *Config) PoolLowWatermark() int {
	if c.Definition != nil && c.Definition.PoolLowWatermark > 0 {
		return c.Definition.PoolLowWatermark
	}
	return DefaultLowWatermark
}

// DaemonBind returns the daemon listen address.
func (c *Config) DaemonBind() string {
	if c.Definition != nil && c.Definition.Daemon.Bind != "" {
		return c.Definition.Daemon.Bind
	}
	return DefaultDaemonBind
}

// DaemonQueueSize returns the rotation queue capacity.
func (c *Config) DaemonQueueSize() int {
	if c.Definition != nil && c.Definition.Daemon.QueueSize > 0 {
		return c.Definition.Daemon.QueueSize
	}
	return DefaultQueueSize
}

// GetService returns the configuration for a rotation target service.
func (c *Config) GetService(name string) (ServiceConfig, error) {
	if c.Definition == nil || c.Definition.Services == nil {
		return ServiceConfig{}, berrors.ConfigError{
			Field:      "services",
			Value:      name,
			Message:    "no services configured",
			Suggestion: "Add the service to the 'services:' section of your birch.yaml",
		}
	}

	if svc, ok := c.Definition.Services[name]; ok {
		return svc, nil
	}

	var available []string
	for svcName := range c.Definition.Services {
		available = append(available, svcName)
	}

	suggestion := "Add the service to the 'services:' section of your birch.yaml"
	if len(available) > 0 {
		suggestion = "Available services: " + strings.Join(available, ", ") + ". " + suggestion
	}

	return ServiceConfig{}, berrors.ConfigError{
		Field:      "service",
		Value:      name,
		Message:    "service not found in configuration",
		Suggestion: suggestion,
	}
}

// InMaintenanceWindow reports whether t falls inside a configured window.
// With no windows configured every time is acceptable.
func (c *Config) InMaintenanceWindow(t time.Time) bool {
	if c.Definition == nil || len(c.Definition.MaintenanceWindows) == 0 {
		return true
	}

	t = t.UTC()
	weekday := strings.ToLower(t.Weekday().String())
	hour := t.Hour()

	for _, w := range c.Definition.MaintenanceWindows {
		for _, d := range w.Days {
			if strings.ToLower(d) == weekday && hour >= w.StartHour && hour < w.EndHour {
				return true
			}
		}
	}
	return false
}

// BaseDir returns the directory holding pools, locks, snapshots and the
// audit log. BIRCH_DIR overrides for tests and shared deployments.
func BaseDir() string {
	if dir := os.Getenv("BIRCH_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "birch")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".birch")
	}

	return filepath.Join(os.TempDir(), "birch")
}
