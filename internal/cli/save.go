package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	saveMeta   []string
	saveSource string
)

var saveCmd = &cobra.Command{
	Use:   "save [text...]",
	Short: "Save text to memory",
	Long: `Save text to memory. The text is split into heading-aware chunks and
indexed for keyword and vector recall. With no arguments, or with "-", the text
is read from stdin.`,
	Example: `  ranya-memory save "User prefers dark roast coffee"
  ranya-memory save --meta topic=coffee --source chat "Likes espresso"
  cat NOTES.md | ranya-memory save -`,
	RunE: runSave,
}

func init() {
	saveCmd.Flags().StringArrayVar(&saveMeta, "meta", nil, "metadata key=value (repeatable)")
	saveCmd.Flags().StringVar(&saveSource, "source", "", "value of the source metadata key")
	rootCmd.AddCommand(saveCmd)
}

func runSave(cmd *cobra.Command, args []string) error {
	text, err := readSaveText(cmd, args)
	if err != nil {
		return err
	}

	metadata, err := parseMetadata(saveMeta)
	if err != nil {
		return err
	}
	if saveSource != "" {
		metadata["source"] = saveSource
	}

	ctx := commandContext(cmd.Context(), "save")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.mem.Save(ctx, text, metadata)
	if err != nil {
		return describeError(err)
	}

	log := s.logger(ctx)
	log.Debug().Str("document_id", id).Msg("Memory saved")

	if id == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Memory backend disabled; nothing saved")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func readSaveText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("no text given; pass text as arguments or pipe it on stdin")
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

// parseMetadata turns key=value pairs into a metadata map
func parseMetadata(pairs []string) (map[string]interface{}, error) {
	metadata := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q (expected key=value)", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}
