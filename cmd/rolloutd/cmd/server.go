package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"fleetd.sh/internal/config"
	"fleetd.sh/internal/control"
)

var configFile string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the rollout control plane server",
	Long: `Start the HTTP server that serves the device-facing Reconciliation
Endpoint, the registry Webhook Intake, and the operator admin API,
while ticking the Rollout Monitor on a cron schedule.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringVar(&configFile, "config", "", "Path to config.yaml (defaults to ./config.yaml)")
}

func runServer(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	s, err := control.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize control server: %w", err)
	}
	defer s.Close()

	slog.Info("starting rolloutd",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Driver,
		"redis", cfg.Redis.Addr != "",
		"tick_schedule", cfg.Monitor.TickSchedule)

	log.Printf("- Reconciliation:  http://%s:%d/v1/devices/{uuid}/target-state", cfg.Server.Host, cfg.Server.Port)
	log.Printf("- Webhook intake:  http://%s:%d/v1/webhooks/{provider}", cfg.Server.Host, cfg.Server.Port)
	log.Printf("- Admin API:       http://%s:%d/v1/admin/rollouts", cfg.Server.Host, cfg.Server.Port)
	log.Printf("- Health:          http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)

	return s.Run()
}
