package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	answers := strings.Join([]string{
		"sqlite",
		"cohere",
		"openai",
		"",
		"256",
		"sk-wizard",
		"0",
		"0",
		"0.6",
		"0.4",
		"@hourly",
		"debug",
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg, err := NewWizardWithIO(strings.NewReader(answers), &out).Run(nil)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Memory.EmbeddingProvider)
	assert.Equal(t, "text-embedding-3-small", cfg.Memory.EmbeddingModel)
	assert.Equal(t, 256, cfg.Memory.EmbeddingDimensions)
	assert.Equal(t, "sk-wizard", cfg.Memory.EmbeddingAPIKey)
	assert.Equal(t, 0.6, cfg.Memory.VectorWeight)
	assert.Equal(t, 0.4, cfg.Memory.KeywordWeight)
	assert.Equal(t, "@hourly", cfg.Memory.ReindexSchedule)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Contains(t, out.String(), "invalid embedding provider")
	assert.Contains(t, out.String(), "at least one search weight")
}

func TestWizardRun_NoneBackend(t *testing.T) {
	var out bytes.Buffer
	cfg, err := NewWizardWithIO(strings.NewReader("none\n\n"), &out).Run(nil)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Memory.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestWizardRun_EOF(t *testing.T) {
	_, err := NewWizardWithIO(strings.NewReader(""), &bytes.Buffer{}).Run(nil)
	assert.Error(t, err)
}
