package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/birchsec/birch/internal/audit"
	"github.com/birchsec/birch/internal/config"
	berrors "github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/guard"
	"github.com/birchsec/birch/internal/health"
	"github.com/birchsec/birch/internal/keys"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/rotation"
	"github.com/birchsec/birch/internal/store"
)

// stack bundles the wired components every command operates on.
type stack struct {
	cfg       *config.Config
	material  *keys.Material
	store     store.Store
	pools     *pool.Manager
	audit     *audit.Log
	locker    *guard.Locker
	cooldown  *guard.Cooldown
	snapshots *rotation.SnapshotStore
	orch      *rotation.Orchestrator
	rollback  *rotation.RollbackManager
}

// openStack loads the config file and wires the store, key material and
// rotation components. Callers must Close to wipe key material.
func openStack(cfg *config.Config) (*stack, error) {
	return openStackWith(cfg, keys.Load)
}

// openDaemonStack skips the OS keychain so headless hosts never block on a
// keychain prompt.
func openDaemonStack(cfg *config.Config) (*stack, error) {
	return openStackWith(cfg, keys.LoadFromFile)
}

func openStackWith(cfg *config.Config, load func(baseDir string) (*keys.Material, error)) (*stack, error) {
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	baseDir := config.BaseDir()
	material, err := load(baseDir)
	if err != nil {
		return nil, err
	}

	st := store.NewFileStore(baseDir)
	auditLog := audit.NewLog(st, material)
	logger := cfg.Logger

	s := &stack{
		cfg:       cfg,
		material:  material,
		store:     st,
		pools:     pool.NewManager(st, material, logger, cfg.PoolLowWatermark()),
		audit:     auditLog,
		locker:    guard.NewLocker(st, auditLog, logger, cfg.LockStaleness()),
		cooldown:  guard.NewCooldown(auditLog, cfg.Cooldown()),
		snapshots: rotation.NewSnapshotStore(st),
	}

	deps := rotation.Deps{
		Config:    cfg,
		Logger:    logger,
		Pools:     s.pools,
		Locker:    s.locker,
		Cooldown:  s.cooldown,
		Audit:     s.audit,
		Snapshots: s.snapshots,
		Resolver:  rotation.ConfigResolver(cfg, logger),
		Metrics:   health.NewRotationMetrics(),
	}
	s.orch = rotation.NewOrchestrator(deps)
	s.rollback = rotation.NewRollbackManager(deps, material)

	return s, nil
}

func (s *stack) Close() {
	s.material.Destroy()
}

// currentActor resolves the audit actor for CLI-triggered operations.
func currentActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func isProduction(env string) bool {
	return env == "prod" || env == "production"
}

// confirmIfProduction prompts before mutating a production target. The
// --yes flag and non-interactive mode both skip the prompt; non-interactive
// without --yes refuses rather than silently proceeding.
func confirmIfProduction(cfg *config.Config, id pool.Identity, operation string, yes bool) error {
	if !isProduction(id.Environment) || yes {
		return nil
	}

	if cfg.NonInteractive {
		return berrors.UserError{
			Message:    fmt.Sprintf("Refusing to %s %s without confirmation", operation, id),
			Suggestion: "Pass --yes to confirm production changes in non-interactive mode",
		}
	}

	fmt.Printf("⚠️  About to %s %s. Continue? (y/N): ", operation, id)
	var response string
	_, _ = fmt.Scanln(&response)
	if strings.ToLower(response) != "y" && strings.ToLower(response) != "yes" {
		fmt.Println("Operation cancelled")
		return berrors.UserError{
			Message:    "Operation cancelled",
			Suggestion: "Re-run and answer 'y', or pass --yes",
		}
	}
	return nil
}

func identityFrom(secretName, env string) (pool.Identity, error) {
	if env == "" {
		return pool.Identity{}, berrors.UserError{
			Message:    "Environment name is required",
			Suggestion: "Specify environment with --env <name>",
			Details:    "Pools are scoped per environment, so every command needs one",
		}
	}
	return pool.Identity{SecretName: secretName, Environment: env}, nil
}
