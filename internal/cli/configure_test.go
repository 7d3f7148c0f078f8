package cli

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/ranya-memory/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := runCLI(t, "", "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "interactive configuration wizard")
	})

	t.Run("saves answers", func(t *testing.T) {
		cfgPath := writeTestConfig(t, nil)

		answers := strings.Join([]string{
			"sqlite", // backend
			"",       // embedding provider stays none
			"0.6",    // vector weight
			"0.4",    // keyword weight
			"@daily", // reindex schedule
			"debug",  // log level
		}, "\n") + "\n"

		out, err := runCLI(t, answers, "--config", cfgPath, "configure")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration saved to: "+cfgPath)

		cfg, err := config.Load(cfgPath)
		require.NoError(t, err)
		assert.Equal(t, 0.6, cfg.Memory.VectorWeight)
		assert.Equal(t, 0.4, cfg.Memory.KeywordWeight)
		assert.Equal(t, "@daily", cfg.Memory.ReindexSchedule)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, filepath.Join(filepath.Dir(cfgPath), "data"), cfg.DataDir)
	})

	t.Run("input ends early", func(t *testing.T) {
		cfgPath := writeTestConfig(t, nil)

		_, err := runCLI(t, "", "--config", cfgPath, "configure")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration failed")
	})
}
