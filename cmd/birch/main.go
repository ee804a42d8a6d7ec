package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/birchsec/birch/cmd/birch/commands"
	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
	)

	// Create config placeholder
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "birch",
		Short: "Credential rotation with pre-provisioned key pools",
		Long: `birch rotates credentials from pre-provisioned key pools, applies them
to services through connectors, and records every rotation on a
tamper-evident audit chain with single-use rollback.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger with parsed flags
			logger := logging.New(debug, noColor)

			cfg.Path = configFile
			cfg.Logger = logger
			cfg.NonInteractive = nonInteractive
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "birch.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")

	rootCmd.AddCommand(
		commands.NewRotateCommand(cfg),
		commands.NewRollbackCommand(cfg),
		commands.NewPoolCommand(cfg),
		commands.NewAuditCommand(cfg),
		commands.NewDaemonCommand(cfg),
	)

	return rootCmd.Execute()
}
