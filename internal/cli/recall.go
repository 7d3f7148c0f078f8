package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/harun/ranya-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	recallLimit         int
	recallMinScore      float64
	recallVectorWeight  float64
	recallKeywordWeight float64
	recallJSON          bool
)

var (
	scoreStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	headingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

var recallCmd = &cobra.Command{
	Use:   "recall <query...>",
	Short: "Search memory with hybrid keyword and vector ranking",
	Long: `Search memory. Keyword (BM25) and vector (cosine) results are normalized,
combined with the configured weights and returned best first. A weight of 0
disables that retriever for this query.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecall,
}

func init() {
	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 0, "maximum results (default from config)")
	recallCmd.Flags().Float64Var(&recallMinScore, "min-score", 0, "drop results scoring below this value")
	recallCmd.Flags().Float64Var(&recallVectorWeight, "vector-weight", 0, "vector weight override")
	recallCmd.Flags().Float64Var(&recallKeywordWeight, "keyword-weight", 0, "keyword weight override")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(recallCmd)
}

func runRecall(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	opts := &memory.RecallOptions{
		Limit:    recallLimit,
		MinScore: recallMinScore,
	}
	if cmd.Flags().Changed("vector-weight") {
		w := recallVectorWeight
		opts.VectorWeight = &w
	}
	if cmd.Flags().Changed("keyword-weight") {
		w := recallKeywordWeight
		opts.KeywordWeight = &w
	}

	ctx := commandContext(cmd.Context(), "recall")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	results, err := s.mem.Recall(ctx, query, opts)
	if err != nil {
		return describeError(err)
	}

	if recallJSON {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	printRecallResults(cmd.OutOrStdout(), results)
	return nil
}

func printRecallResults(w io.Writer, results []memory.RecallResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No memories found")
		return
	}

	for i, r := range results {
		fmt.Fprintf(w, "%d. %s %s\n", i+1,
			scoreStyle.Render(fmt.Sprintf("[%.3f]", r.Score)),
			dimStyle.Render(fmt.Sprintf("%s#%d%s", r.Chunk.DocumentID, r.Chunk.Ordinal, componentScores(r))),
		)
		if len(r.Chunk.HeadingPath) > 0 {
			fmt.Fprintf(w, "   %s\n", headingStyle.Render(strings.Join(r.Chunk.HeadingPath, " > ")))
		}
		for _, line := range strings.Split(strings.TrimSpace(r.Chunk.Text), "\n") {
			fmt.Fprintf(w, "   %s\n", line)
		}
	}
}

func componentScores(r memory.RecallResult) string {
	var parts []string
	if r.KeywordScore != nil {
		parts = append(parts, fmt.Sprintf("keyword=%.3f", *r.KeywordScore))
	}
	if r.VectorScore != nil {
		parts = append(parts, fmt.Sprintf("vector=%.3f", *r.VectorScore))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, " ") + ")"
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
