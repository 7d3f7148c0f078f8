package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd.Context(), "stats")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.mem.Stats(ctx)
	if err != nil {
		return describeError(err)
	}

	if statsJSON {
		return writeJSON(cmd.OutOrStdout(), stats)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backend:            %s\n", stats.Backend)
	if stats.ModelID != "" {
		fmt.Fprintf(out, "Embedding model:    %s\n", stats.ModelID)
	}
	fmt.Fprintf(out, "Documents:          %d\n", stats.Documents)
	fmt.Fprintf(out, "Chunks:             %d\n", stats.Chunks)
	fmt.Fprintf(out, "Keyword entries:    %d\n", stats.KeywordEntries)
	fmt.Fprintf(out, "Embeddings:         %d\n", stats.Embeddings)
	fmt.Fprintf(out, "Missing embeddings: %d\n", stats.MissingEmbeddings)
	fmt.Fprintf(out, "Cache entries:      %d\n", stats.CacheEntries)
	if stats.CacheHitRate != nil {
		fmt.Fprintf(out, "Cache hit rate:     %.1f%%\n", *stats.CacheHitRate*100)
	}
	if stats.LastReindex != nil {
		fmt.Fprintf(out, "Last reindex:       %s\n", stats.LastReindex.Format(time.RFC3339))
	}
	return nil
}
