package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birchsec/birch/internal/audit"
	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/rotation"
)

func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		envName  string
		service  string
		target   string
		dryRun   bool
		force    bool
		redeploy bool
		waitLock bool
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "rotate <secret-name>",
		Short: "Rotate a secret to the next pooled value",
		Long: `Rotate advances the secret's key pool to the next pre-provisioned value,
applies it to the target service through the configured connector, and
commits the rotation to the audit chain.

The previous value is snapshotted for single-use rollback within the
rollback window. A failed connector apply is unwound automatically and
the pool is left unchanged.

Examples:
  # Rotate an API key in staging, applying to the configured service
  birch rotate api-key --env staging --service billing

  # Preview which value would be used without changing anything
  birch rotate api-key --env staging --service billing --dry-run

  # Rotate directly into an env file and restart the consumer
  birch rotate db-pass --env staging --target ./.env --redeploy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFrom(args[0], envName)
			if err != nil {
				return err
			}

			if !dryRun {
				if err := confirmIfProduction(cfg, id, "rotate", yes); err != nil {
					return err
				}
			}

			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.orch.Rotate(context.Background(), rotation.Request{
				Identity: id,
				Service:  service,
				Target:   target,
				Actor:    currentActor(),
				DryRun:   dryRun,
				Force:    force,
				Redeploy: redeploy,
				WaitLock: waitLock,
			})
			if err != nil {
				return err
			}

			logger := cfg.Logger
			switch result.Outcome {
			case audit.OutcomeDryRun:
				logger.Info("✓ Dry run: %s would rotate to %s", id, result.Fingerprint)
			default:
				logger.Info("✓ Rotated %s to %s (audit sequence %d)", id, result.Fingerprint, result.Record.Sequence)
			}

			status, err := s.pools.Status(id)
			if err == nil && status.LowPool {
				logger.Warn("Pool for %s is low: %d value(s) remaining", id, status.Available)
				fmt.Println("💡 Replenish with: birch pool add", id.SecretName, "--env", id.Environment)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")
	cmd.Flags().StringVar(&service, "service", "", "Service from the config's services section")
	cmd.Flags().StringVar(&target, "target", "", "Connector target override (path, secret id, ...)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show which value would be applied without changing anything")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the cooldown window")
	cmd.Flags().BoolVar(&redeploy, "redeploy", false, "Run the service's redeploy hook after applying")
	cmd.Flags().BoolVar(&waitLock, "wait-lock", false, "Wait for a held rotation lock instead of failing")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the production confirmation prompt")

	_ = cmd.MarkFlagRequired("env")

	return cmd
}
