package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/ranya-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	listSource    string
	listOlderThan time.Duration
	listJSON      bool
	getJSON       bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved documents, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var getCmd = &cobra.Command{
	Use:   "get <document-id>",
	Short: "Show a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	listCmd.Flags().StringVar(&listSource, "source", "", "only documents whose source metadata matches")
	listCmd.Flags().DurationVar(&listOlderThan, "older-than", 0, "only documents older than this age (e.g. 720h)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print documents as JSON")
	getCmd.Flags().BoolVar(&getJSON, "json", false, "print the document as JSON")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd.Context(), "list")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	filter := memory.DocumentFilter{Source: listSource}
	if listOlderThan > 0 {
		filter.CreatedBefore = time.Now().Add(-listOlderThan)
	}

	docs, err := s.mem.ListDocuments(ctx, filter)
	if err != nil {
		return describeError(err)
	}

	if listJSON {
		return writeJSON(cmd.OutOrStdout(), docs)
	}
	if len(docs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No documents")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSOURCE\tPREVIEW")
	for _, d := range docs {
		source, _ := d.Metadata["source"].(string)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.CreatedAt.Format(time.RFC3339), source, preview(d.SourceText, 48))
	}
	return tw.Flush()
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd.Context(), "get")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	manager, ok := s.mem.(*memory.Manager)
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, args[0])
	}

	doc, chunks, err := manager.GetDocument(ctx, args[0])
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fmt.Errorf("%w: %s", memory.ErrNotFound, args[0])
		}
		return describeError(err)
	}

	if getJSON {
		return writeJSON(cmd.OutOrStdout(), struct {
			*memory.Document
			Chunks []memory.Chunk `json:"chunks"`
		}{doc, chunks})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:      %s\n", doc.ID)
	fmt.Fprintf(out, "Created: %s\n", doc.CreatedAt.Format(time.RFC3339))
	for k, v := range doc.Metadata {
		fmt.Fprintf(out, "Meta:    %s=%v\n", k, v)
	}
	fmt.Fprintf(out, "Chunks:  %d\n", len(chunks))
	for _, c := range chunks {
		fmt.Fprintf(out, "\n--- chunk %d", c.Ordinal)
		if len(c.HeadingPath) > 0 {
			fmt.Fprintf(out, " (%s)", strings.Join(c.HeadingPath, " > "))
		}
		fmt.Fprintf(out, "\n%s\n", c.Text)
	}
	return nil
}

func preview(text string, max int) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= max {
		return flat
	}
	return string(runes[:max-1]) + "…"
}
