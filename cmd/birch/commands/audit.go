package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/birchsec/birch/internal/config"
	berrors "github.com/birchsec/birch/internal/errors"
)

func NewAuditCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the rotation audit chain",
		Long: `Every rotation, rollback and lock reclaim is recorded on a per-identity
hash chain. Show prints the history; verify recomputes every signature
and link to prove the chain has not been altered.`,
	}

	cmd.AddCommand(
		newAuditShowCommand(cfg),
		newAuditVerifyCommand(cfg),
	)

	return cmd
}

func newAuditShowCommand(cfg *config.Config) *cobra.Command {
	var (
		envName string
		last    int
		since   string
		until   string
	)

	cmd := &cobra.Command{
		Use:   "show <secret-name>",
		Short: "Print an identity's rotation history",
		Long: `Show prints the audit records for one secret identity, oldest first.
Use --last to limit to the most recent records, or --since/--until with
RFC3339 timestamps to select a time range.

Examples:
  birch audit show api-key --env staging --last 10
  birch audit show db-pass --env prod --since 2026-08-01T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFrom(args[0], envName)
			if err != nil {
				return err
			}

			sinceT, untilT, err := parseTimeRange(since, until)
			if err != nil {
				return err
			}

			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.audit.List(id, sinceT, untilT)
			if err != nil {
				return err
			}
			if last > 0 && len(records) > last {
				records = records[len(records)-last:]
			}

			if len(records) == 0 {
				fmt.Printf("No audit records for %s\n", id)
				return nil
			}

			fmt.Printf("Audit chain for %s:\n", id)
			for _, r := range records {
				line := fmt.Sprintf("  #%-4d %s  %-8s %-11s actor=%s",
					r.Sequence, r.Timestamp.Format("2006-01-02 15:04:05"), r.Action, r.Outcome, r.Actor)
				if r.Fingerprint != "" {
					line += "  value=" + r.Fingerprint
				}
				if r.RollbackOf != 0 {
					line += fmt.Sprintf("  undid=#%d", r.RollbackOf)
				}
				if r.Target != "" {
					line += "  target=" + r.Target
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")
	cmd.Flags().IntVar(&last, "last", 0, "Only the most recent N records")
	cmd.Flags().StringVar(&since, "since", "", "Only records at or after this RFC3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only records before this RFC3339 time")

	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func newAuditVerifyCommand(cfg *config.Config) *cobra.Command {
	var (
		envName string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "verify [secret-name]",
		Short: "Verify audit chain integrity",
		Long: `Verify recomputes every record signature and chain link. A failure names
the first sequence that does not verify; records past that point cannot
be trusted.

Examples:
  birch audit verify api-key --env staging
  birch audit verify --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if all {
				return verifyAllChains(cfg, s)
			}

			if len(args) == 0 {
				return berrors.UserError{
					Message:    "A secret name is required",
					Suggestion: "Name the identity to verify, or pass --all",
				}
			}

			id, err := identityFrom(args[0], envName)
			if err != nil {
				return err
			}

			if err := s.audit.VerifyChain(id); err != nil {
				return err
			}
			cfg.Logger.Info("✓ Audit chain for %s verifies", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required without --all)")
	cmd.Flags().BoolVar(&all, "all", false, "Verify every identity with a pool")

	return cmd
}

func verifyAllChains(cfg *config.Config, s *stack) error {
	ids, err := s.pools.Identities()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No pools initialized, nothing to verify")
		return nil
	}

	var failed int
	for _, id := range ids {
		if err := s.audit.VerifyChain(id); err != nil {
			failed++
			var tamper berrors.AuditTamperError
			if errors.As(err, &tamper) {
				cfg.Logger.Error("✗ %s: chain broken at sequence %d (%s)", id, tamper.Sequence, tamper.Reason)
			} else {
				cfg.Logger.Error("✗ %s: %v", id, err)
			}
			continue
		}
		cfg.Logger.Info("✓ %s", id)
	}

	if failed > 0 {
		return fmt.Errorf("%d audit chain(s) failed verification", failed)
	}
	return nil
}

func parseTimeRange(since, until string) (time.Time, time.Time, error) {
	var sinceT, untilT time.Time
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return sinceT, untilT, berrors.UserError{
				Message:    fmt.Sprintf("Invalid --since value: %s", since),
				Suggestion: "Use an RFC3339 timestamp like 2026-08-01T00:00:00Z",
				Err:        err,
			}
		}
		sinceT = t
	}
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return sinceT, untilT, berrors.UserError{
				Message:    fmt.Sprintf("Invalid --until value: %s", until),
				Suggestion: "Use an RFC3339 timestamp like 2026-08-31T00:00:00Z",
				Err:        err,
			}
		}
		untilT = t
	}
	return sinceT, untilT, nil
}
