package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/harun/ranya-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var hydrateOverwrite bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [file]",
	Short: "Export all documents and chunks to a JSON snapshot",
	Long: `Export all documents and chunks to a JSON snapshot. Embeddings are not
included; they are recomputed after hydrate. Without a file argument the
configured snapshot_path is used; "-" writes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshot,
}

var hydrateCmd = &cobra.Command{
	Use:   "hydrate [file]",
	Short: "Import a JSON snapshot into memory",
	Long: `Import a snapshot produced by "snapshot". The store must be empty unless
--overwrite is given, in which case existing documents are replaced. "-" reads
from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHydrate,
}

func init() {
	hydrateCmd.Flags().BoolVar(&hydrateOverwrite, "overwrite", false, "replace existing documents")
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(hydrateCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd.Context(), "snapshot")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	path := s.cfg.Memory.SnapshotPath
	if len(args) == 1 {
		path = args[0]
	}

	if path == "-" {
		blob, err := s.mem.Snapshot(ctx)
		if err != nil {
			return describeError(err)
		}
		_, err = cmd.OutOrStdout().Write(append(blob, '\n'))
		return err
	}

	if err := memory.SnapshotToFile(ctx, s.mem, path); err != nil {
		return describeError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s\n", path)
	return nil
}

func runHydrate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd.Context(), "hydrate")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	path := s.cfg.Memory.SnapshotPath
	if len(args) == 1 {
		path = args[0]
	}

	var blob []byte
	if path == "-" {
		blob, err = io.ReadAll(cmd.InOrStdin())
	} else {
		blob, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := s.mem.Hydrate(ctx, blob, hydrateOverwrite); err != nil {
		return describeError(err)
	}

	stats, err := s.mem.Stats(ctx)
	if err != nil {
		return describeError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Hydrated %d documents (%d chunks)\n", stats.Documents, stats.Chunks)
	return nil
}
