package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/birchsec/birch/internal/config"
	berrors "github.com/birchsec/birch/internal/errors"
)

func NewPoolCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage pre-provisioned key pools",
		Long: `Pools hold the pre-provisioned values a secret rotates through. Values
are encrypted at rest and consumed in the order they were added; an
exhausted pool blocks rotation until it is replenished.`,
	}

	cmd.AddCommand(
		newPoolInitCommand(cfg),
		newPoolAddCommand(cfg),
		newPoolStatusCommand(cfg),
		newPoolListCommand(cfg),
	)

	return cmd
}

func newPoolInitCommand(cfg *config.Config) *cobra.Command {
	var (
		envName   string
		values    []string
		fromFile  string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "init <secret-name>",
		Short: "Create a pool and seed it with values",
		Long: `Init creates the pool for a secret identity and seeds it with the given
values. Values come from repeated --key flags or from a file with one
value per line (blank lines and # comments are skipped).

Examples:
  birch pool init api-key --env staging --key skID8a... --key sk9f3b...
  birch pool init db-pass --env prod --from-file ./generated-passwords.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFrom(args[0], envName)
			if err != nil {
				return err
			}

			seed, err := collectValues(values, fromFile)
			if err != nil {
				return err
			}
			if len(seed) == 0 {
				return berrors.UserError{
					Message:    "No values to seed the pool with",
					Suggestion: "Pass values with --key or --from-file <path>",
				}
			}

			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.pools.Init(id, seed, overwrite); err != nil {
				return err
			}

			cfg.Logger.Info("✓ Initialized pool for %s with %d value(s)", id, len(seed))
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")
	cmd.Flags().StringSliceVar(&values, "key", nil, "Value to seed (repeatable)")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "File with one value per line")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing pool")

	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func newPoolAddCommand(cfg *config.Config) *cobra.Command {
	var (
		envName  string
		values   []string
		fromFile string
	)

	cmd := &cobra.Command{
		Use:   "add <secret-name>",
		Short: "Append values to an existing pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFrom(args[0], envName)
			if err != nil {
				return err
			}

			adds, err := collectValues(values, fromFile)
			if err != nil {
				return err
			}
			if len(adds) == 0 {
				return berrors.UserError{
					Message:    "No values to add",
					Suggestion: "Pass values with --key or --from-file <path>",
				}
			}

			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, v := range adds {
				if err := s.pools.Add(id, v); err != nil {
					return err
				}
			}

			cfg.Logger.Info("✓ Added %d value(s) to %s", len(adds), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")
	cmd.Flags().StringSliceVar(&values, "key", nil, "Value to add (repeatable)")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "File with one value per line")

	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func newPoolStatusCommand(cfg *config.Config) *cobra.Command {
	var envName string

	cmd := &cobra.Command{
		Use:   "status [secret-name]",
		Short: "Show pool depth per identity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.pools.Identities()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := identityFrom(args[0], envName)
				if err != nil {
					return err
				}
				ids = ids[:0]
				ids = append(ids, id)
			}

			if len(ids) == 0 {
				fmt.Println("No pools initialized")
				fmt.Println("💡 Create one with: birch pool init <secret-name> --env <name> --key <value>")
				return nil
			}

			var low int
			for _, id := range ids {
				status, err := s.pools.Status(id)
				if err != nil {
					return err
				}
				marker := "✓"
				if status.LowPool {
					marker = "⚠"
					low++
				}
				fmt.Printf("%s %-40s available=%d active=%d exhausted=%d\n",
					marker, id.String(), status.Available, status.Active, status.Exhausted)
			}

			if low > 0 {
				return fmt.Errorf("%d pool(s) below the low watermark", low)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required with a secret name)")

	return cmd
}

func newPoolListCommand(cfg *config.Config) *cobra.Command {
	var envName string

	cmd := &cobra.Command{
		Use:   "list <secret-name>",
		Short: "List a pool's values as masked fingerprints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFrom(args[0], envName)
			if err != nil {
				return err
			}

			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.pools.List(id)
			if err != nil {
				return err
			}

			fmt.Printf("Pool for %s:\n", id)
			for i, e := range entries {
				fmt.Printf("  %2d. %-12s %-10s added %s  uses=%d\n",
					i+1, e.Fingerprint, e.Status, e.AddedAt.Format("2006-01-02 15:04:05"), e.UseCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "Environment name (required)")

	_ = cmd.MarkFlagRequired("env")

	return cmd
}

// collectValues merges --key flags with the lines of --from-file. Blank
// lines and # comments in the file are skipped.
func collectValues(flags []string, fromFile string) ([]string, error) {
	values := make([]string, 0, len(flags))
	for _, v := range flags {
		if v != "" {
			values = append(values, v)
		}
	}

	if fromFile == "" {
		return values, nil
	}

	f, err := os.Open(fromFile)
	if err != nil {
		return nil, berrors.UserError{
			Message:    fmt.Sprintf("Cannot read value file: %v", err),
			Suggestion: "Check the --from-file path",
			Err:        err,
		}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		values = append(values, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read value file: %w", err)
	}

	return values, nil
}
