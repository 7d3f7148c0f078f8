package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routedMemory(model string, routes ...EmbeddingRouteConfig) MemoryConfig {
	m := DefaultConfig().Memory
	m.EmbeddingProvider = "openai"
	m.EmbeddingAPIKey = "sk-base"
	m.EmbeddingModel = model
	m.EmbeddingRoutes = routes
	return m
}

func TestResolveEmbedding(t *testing.T) {
	semantic := EmbeddingRouteConfig{
		Hint:       "semantic",
		Provider:   "custom:http://localhost:11434/v1",
		Model:      "nomic-embed-text",
		Dimensions: 768,
		APIKey:     "route-key",
	}

	t.Run("plain model uses memory settings", func(t *testing.T) {
		got, err := routedMemory("text-embedding-3-large", semantic).ResolveEmbedding()
		require.NoError(t, err)
		assert.Equal(t, ResolvedEmbedding{
			Provider:   "openai",
			Model:      "text-embedding-3-large",
			Dimensions: 1536,
			APIKey:     "sk-base",
		}, got)
	})

	t.Run("hint selects route", func(t *testing.T) {
		got, err := routedMemory("hint:semantic", semantic).ResolveEmbedding()
		require.NoError(t, err)
		assert.Equal(t, ResolvedEmbedding{
			Provider:   "custom:http://localhost:11434/v1",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			APIKey:     "route-key",
			Route:      "semantic",
		}, got)
	})

	t.Run("route inherits dimensions and key", func(t *testing.T) {
		route := EmbeddingRouteConfig{Hint: "archive", Provider: "openai", Model: "text-embedding-3-small"}
		got, err := routedMemory(" hint: archive ", route).ResolveEmbedding()
		require.NoError(t, err)
		assert.Equal(t, 1536, got.Dimensions)
		assert.Equal(t, "sk-base", got.APIKey)
		assert.Equal(t, "archive", got.Route)
	})

	t.Run("first matching route wins", func(t *testing.T) {
		second := semantic
		second.Model = "other"
		got, err := routedMemory("hint:semantic", semantic, second).ResolveEmbedding()
		require.NoError(t, err)
		assert.Equal(t, "nomic-embed-text", got.Model)
	})

	t.Run("unknown hint falls back", func(t *testing.T) {
		got, err := routedMemory("hint:missing", semantic).ResolveEmbedding()
		assert.ErrorIs(t, err, ErrUnknownEmbeddingRoute)
		assert.Equal(t, "openai", got.Provider)
		assert.Equal(t, "text-embedding-3-small", got.Model)
		assert.Empty(t, got.Route)
	})

	t.Run("empty hint is a model name", func(t *testing.T) {
		got, err := routedMemory("hint:", semantic).ResolveEmbedding()
		require.NoError(t, err)
		assert.Equal(t, "hint:", got.Model)
	})

	invalid := []struct {
		name  string
		route EmbeddingRouteConfig
	}{
		{"missing provider", EmbeddingRouteConfig{Hint: "bad", Model: "m"}},
		{"unknown provider", EmbeddingRouteConfig{Hint: "bad", Provider: "cohere", Model: "m"}},
		{"missing model", EmbeddingRouteConfig{Hint: "bad", Provider: "openai"}},
		{"negative dimensions", EmbeddingRouteConfig{Hint: "bad", Provider: "openai", Model: "m", Dimensions: -1}},
	}
	for _, tt := range invalid {
		t.Run("invalid route falls back: "+tt.name, func(t *testing.T) {
			got, err := routedMemory("hint:bad", tt.route).ResolveEmbedding()
			assert.ErrorIs(t, err, ErrInvalidEmbeddingRoute)
			assert.Equal(t, "openai", got.Provider)
			assert.Equal(t, "text-embedding-3-small", got.Model)
			assert.Equal(t, "sk-base", got.APIKey)
		})
	}
}

func TestValidateEmbeddingRoutes(t *testing.T) {
	v := NewValidator()

	ok := routedMemory("hint:fast", EmbeddingRouteConfig{Hint: "fast", Provider: "openai", Model: "text-embedding-3-small"})
	assert.Empty(t, v.ValidateEmbeddingRoutes(ok))

	bad := routedMemory("hint:semantic",
		EmbeddingRouteConfig{Provider: "openai", Model: "m"},
		EmbeddingRouteConfig{Hint: "fast", Provider: "openai", Model: "m"},
		EmbeddingRouteConfig{Hint: "fast", Provider: "openai"},
	)
	problems := v.ValidateEmbeddingRoutes(bad)
	require.Len(t, problems, 4)
	assert.Contains(t, problems[0].Error(), "empty hint")
	assert.Contains(t, problems[1].Error(), "more than once")
	assert.Contains(t, problems[2].Error(), "model is required")
	assert.Contains(t, problems[3].Error(), `no matching embedding route`)

	// Route problems are warnings, not load failures.
	cfg := DefaultConfig()
	cfg.Memory = bad
	cfg.Memory.DBPath = "/tmp/memory.db"
	assert.Empty(t, v.ValidateConfig(cfg))
}

func TestConfigStringMasksRouteAPIKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.EmbeddingRoutes = []EmbeddingRouteConfig{
		{Hint: "semantic", Provider: "openai", Model: "m", APIKey: "sk-route-secret"},
	}

	out := cfg.String()
	assert.NotContains(t, out, "sk-route-secret")
	assert.Equal(t, "sk-route-secret", cfg.Memory.EmbeddingRoutes[0].APIKey)
}
