package cli

import (
	"errors"
	"fmt"

	"github.com/harun/ranya-memory/internal/config"
	"github.com/harun/ranya-memory/internal/observability"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up Ranya Memory.
The wizard starts from the current configuration and walks through the
backend, embedding provider, hybrid search weights and logging.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	base, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load current configuration: %w", err)
	}

	wizard := config.NewWizardWithIO(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run(base)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	configPath := loader.GetConfigPath()
	observability.RecordConfigAudit(commandContext(cmd.Context(), "configure"), "save", map[string]interface{}{
		"path":               configPath,
		"backend":            cfg.Memory.Backend,
		"embedding_provider": cfg.Memory.EmbeddingProvider,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\n", configPath)
	fmt.Fprintln(cmd.OutOrStdout(), "\nYou can now start the daemon with: ranya-memory serve")

	return nil
}
