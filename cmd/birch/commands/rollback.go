package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/rotation"
)

func NewRollbackCommand(cfg *config.Config) *cobra.Command {
	var (
		envName  string
		service  string
		target   string
		redeploy bool
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "rollback <secret-name>",
		Short: "Restore the value replaced by the last committed rotation",
		Long: `Rollback re-applies the previous value snapshotted at the last committed
rotation. Snapshots are single use and expire with the rollback window;
after a rollback the only way forward is another rotation.

Examples:
  birch rollback api-key --env staging --service billing
  birch rollback db-pass --env prod --target ./.env --redeploy --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFrom(args[0], envName)
			if err != nil {
				return err
			}

			if err := confirmIfProduction(cfg, id, "roll back", yes); err != nil {
				return err
			}

			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			record, err := s.rollback.Rollback(context.Background(), rotation.RollbackRequest{
				Identity: id,
				Service:  service,
				Target:   target,
				Actor:    currentActor(),
				Redeploy: redeploy,
			})
			if err != nil {
				return err
			}

			cfg.Logger.Info("✓ Rolled back %s to %s (undid audit sequence %d)", id, record.Fingerprint, record.RollbackOf)
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")
	cmd.Flags().StringVar(&service, "service", "", "Service from the config's services section")
	cmd.Flags().StringVar(&target, "target", "", "Connector target override (path, secret id, ...)")
	cmd.Flags().BoolVar(&redeploy, "redeploy", false, "Run the service's redeploy hook after restoring")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the production confirmation prompt")

	_ = cmd.MarkFlagRequired("env")

	return cmd
}
