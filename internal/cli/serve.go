package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/ranya-memory/internal/daemon"
	"github.com/harun/ranya-memory/internal/tracing"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory daemon in the foreground",
	Long: `Run the memory daemon in the foreground until SIGINT or SIGTERM.
The daemon reindexes on the configured schedule, prunes memories older than
retention_days, mirrors workspace_path into memory and serves Prometheus
metrics when metrics.enabled is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd.Context(), "serve"), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.cfg.Tracing.Enabled {
		defer tracing.ShutdownOpenTelemetry(context.Background())
	}

	d, err := daemon.New(s.cfg, s.log, s.mem)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Memory daemon running (PID %d), press Ctrl+C to stop\n", os.Getpid())
	return d.Run(ctx)
}
