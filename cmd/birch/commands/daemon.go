package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/daemon"
	"github.com/birchsec/birch/internal/health"
)

func NewDaemonCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or query the local rotation signal listener",
		Long: `The daemon listens on loopback for rotation signals from applications
that detect their own credential is compromised or expiring. Signals
are queued and rotated one at a time by a single worker, so concurrent
signals for different secrets serialize and duplicates collapse.`,
	}

	cmd.AddCommand(
		newDaemonRunCommand(cfg),
		newDaemonStatusCommand(cfg),
	)

	return cmd
}

func newDaemonRunCommand(cfg *config.Config) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the signal listener",
		Long: `Run starts the HTTP listener and the rotation worker. The process stays
in the foreground until interrupted; in-flight rotations finish before
shutdown completes.

Examples:
  birch daemon run
  birch daemon run --bind 127.0.0.1:9200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			health.InitMetrics()

			s, err := openDaemonStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if bind != "" {
				cfg.Definition.Daemon.Bind = bind
			}

			d := daemon.New(cfg, cfg.Logger, s.orch, s.cooldown, health.NewRotationMetrics())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides config)")

	return cmd
}

func newDaemonStatusCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			client := &http.Client{Timeout: 5 * time.Second}
			base := "http://" + cfg.DaemonBind()

			resp, err := client.Get(base + "/health")
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", cfg.DaemonBind(), err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon unhealthy: %s", resp.Status)
			}

			resp, err = client.Get(base + "/status")
			if err != nil {
				return fmt.Errorf("failed to query daemon status: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			if err != nil {
				return err
			}

			var status struct {
				Queued []string `json:"queued"`
			}
			if err := json.Unmarshal(body, &status); err != nil {
				return fmt.Errorf("unexpected status response: %w", err)
			}

			cfg.Logger.Info("✓ Daemon healthy at %s", cfg.DaemonBind())
			if len(status.Queued) == 0 {
				fmt.Println("No rotations queued")
				return nil
			}
			fmt.Printf("Queued rotations (%d):\n", len(status.Queued))
			for _, q := range status.Queued {
				fmt.Printf("  %s\n", q)
			}
			return nil
		},
	}

	return cmd
}
