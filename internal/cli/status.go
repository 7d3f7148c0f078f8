package cli

import (
	"fmt"
	"time"

	"github.com/harun/ranya-memory/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the memory daemon is running and where its files live.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	if !daemon.IsRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		pid, err := daemon.ReadPID(pidFile)
		if err != nil {
			return fmt.Errorf("failed to read PID file: %w", err)
		}
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if uptime, err := daemon.Uptime(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(uptime))
		}
	}

	fmt.Fprintf(out, "Backend: %s\n", cfg.Memory.Backend)
	if cfg.Memory.Backend != "none" {
		fmt.Fprintf(out, "Database: %s\n", cfg.Memory.DBPath)
	}
	if cfg.Memory.WorkspacePath != "" {
		fmt.Fprintf(out, "Workspace: %s\n", cfg.Memory.WorkspacePath)
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "Metrics: http://%s:%d/metrics\n", cfg.Metrics.Host, cfg.Metrics.Port)
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
