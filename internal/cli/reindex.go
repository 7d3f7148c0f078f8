package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reindexJSON bool

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the keyword index and backfill missing embeddings",
	Long: `Rebuild the keyword index from the stored chunks and atomically swap it in,
then embed every chunk that has no vector for the active embedding model.
If the rebuild fails the previous index stays active.`,
	Args: cobra.NoArgs,
	RunE: runReindex,
}

func init() {
	reindexCmd.Flags().BoolVar(&reindexJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd.Context(), "reindex")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.mem.Reindex(ctx)
	if err != nil {
		return describeError(err)
	}

	if reindexJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reindex %s complete in %s\n", report.RunID, report.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  keyword entries: %d\n", report.KeywordEntries)
	fmt.Fprintf(out, "  embedded:        %d\n", report.Embedded)
	fmt.Fprintf(out, "  skipped:         %d\n", report.Skipped)
	return nil
}
