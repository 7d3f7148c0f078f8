package cli

import (
	"fmt"
	"time"

	"github.com/harun/ranya-memory/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the memory daemon",
	Long: `Stop the memory daemon gracefully.
Sends SIGTERM to the daemon and waits for it to shut down, then falls back to SIGKILL.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	killed, err := daemon.StopProcess(daemon.PIDFilePath(cfg.DataDir), time.Duration(stopTimeout)*time.Second)
	if err != nil {
		return err
	}

	if killed {
		fmt.Fprintln(cmd.OutOrStdout(), "Timeout reached, daemon killed")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped successfully")
	return nil
}
