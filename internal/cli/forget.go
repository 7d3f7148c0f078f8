package cli

import (
	"errors"
	"fmt"

	"github.com/harun/ranya-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <document-id...>",
	Short: "Remove documents and all their chunks from memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runForget,
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}

func runForget(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd.Context(), "forget")
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	var missing []string
	for _, id := range args {
		err := s.mem.Forget(ctx, id)
		switch {
		case errors.Is(err, memory.ErrNotFound):
			missing = append(missing, id)
		case err != nil:
			return describeError(err)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", id)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", memory.ErrNotFound, missing)
	}
	return nil
}
