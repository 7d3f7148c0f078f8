package config

import (
	"errors"
	"fmt"
	"strings"
)

// EmbeddingHintPrefix marks an embedding_model value that names a route.
const EmbeddingHintPrefix = "hint:"

var (
	// ErrUnknownEmbeddingRoute is returned when embedding_model names a hint
	// with no matching route.
	ErrUnknownEmbeddingRoute = errors.New("unknown embedding route")

	// ErrInvalidEmbeddingRoute is returned when the selected route lacks a
	// usable provider, model or dimension.
	ErrInvalidEmbeddingRoute = errors.New("invalid embedding route")
)

// EmbeddingRouteConfig binds a hint name to an embedding provider. A route is
// selected with embedding_model = "hint:<name>".
type EmbeddingRouteConfig struct {
	Hint       string `json:"hint" mapstructure:"hint"`
	Provider   string `json:"provider" mapstructure:"provider"` // none, openai, custom:<url>
	Model      string `json:"model" mapstructure:"model"`
	Dimensions int    `json:"dimensions,omitempty" mapstructure:"dimensions"` // 0 inherits embedding_dimensions
	APIKey     string `json:"api_key,omitempty" mapstructure:"api_key"`       // empty inherits embedding_api_key
}

// ResolvedEmbedding is the provider setup the memory engine is built with.
type ResolvedEmbedding struct {
	Provider   string
	Model      string
	Dimensions int
	APIKey     string
	// Route is the hint that was applied, empty when none was.
	Route string
}

// ResolveEmbedding applies the route named by embedding_model, if any. When
// the hint is unknown or its route is unusable it returns the memory-level
// settings together with an error describing why the route was skipped.
func (m MemoryConfig) ResolveEmbedding() (ResolvedEmbedding, error) {
	fallback := ResolvedEmbedding{
		Provider:   strings.TrimSpace(m.EmbeddingProvider),
		Model:      strings.TrimSpace(m.EmbeddingModel),
		Dimensions: m.EmbeddingDimensions,
		APIKey:     strings.TrimSpace(m.EmbeddingAPIKey),
	}

	hint, ok := embeddingHint(m.EmbeddingModel)
	if !ok {
		return fallback, nil
	}
	// A hint is not a model name a provider would accept.
	fallback.Model = DefaultConfig().Memory.EmbeddingModel

	route, found := m.findRoute(hint)
	if !found {
		return fallback, fmt.Errorf("%w: %q", ErrUnknownEmbeddingRoute, hint)
	}
	if err := validateRoute(route); err != nil {
		return fallback, fmt.Errorf("%w %q: %w", ErrInvalidEmbeddingRoute, hint, err)
	}

	resolved := ResolvedEmbedding{
		Provider:   strings.TrimSpace(route.Provider),
		Model:      strings.TrimSpace(route.Model),
		Dimensions: route.Dimensions,
		APIKey:     strings.TrimSpace(route.APIKey),
		Route:      hint,
	}
	if resolved.Dimensions == 0 {
		resolved.Dimensions = m.EmbeddingDimensions
	}
	if resolved.APIKey == "" {
		resolved.APIKey = fallback.APIKey
	}
	if resolved.Dimensions <= 0 {
		return fallback, fmt.Errorf("%w %q: dimensions must be positive", ErrInvalidEmbeddingRoute, hint)
	}
	return resolved, nil
}

func (m MemoryConfig) findRoute(hint string) (EmbeddingRouteConfig, bool) {
	for _, r := range m.EmbeddingRoutes {
		if strings.TrimSpace(r.Hint) == hint {
			return r, true
		}
	}
	return EmbeddingRouteConfig{}, false
}

func embeddingHint(model string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(model), EmbeddingHintPrefix)
	if !ok {
		return "", false
	}
	hint := strings.TrimSpace(rest)
	return hint, hint != ""
}

func validateRoute(r EmbeddingRouteConfig) error {
	provider := strings.TrimSpace(r.Provider)
	if provider == "" {
		return fmt.Errorf("provider is required")
	}
	if err := NewValidator().ValidateEmbeddingProvider(provider); err != nil {
		return err
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if r.Dimensions < 0 {
		return fmt.Errorf("dimensions must be positive, got %d", r.Dimensions)
	}
	return nil
}

// ValidateEmbeddingRoutes reports route problems. They never fail a load;
// ResolveEmbedding falls back past a bad route instead.
func (v *Validator) ValidateEmbeddingRoutes(m MemoryConfig) []error {
	var problems []error
	seen := make(map[string]bool)
	for i, r := range m.EmbeddingRoutes {
		hint := strings.TrimSpace(r.Hint)
		if hint == "" {
			problems = append(problems, fmt.Errorf("embedding route #%d has an empty hint", i+1))
			continue
		}
		if seen[hint] {
			problems = append(problems, fmt.Errorf("embedding route %q is defined more than once; the first wins", hint))
		}
		seen[hint] = true
		if err := validateRoute(r); err != nil {
			problems = append(problems, fmt.Errorf("embedding route %q: %w", hint, err))
		}
	}

	if hint, ok := embeddingHint(m.EmbeddingModel); ok && !seen[hint] {
		problems = append(problems, fmt.Errorf("embedding_model uses hint %q but no matching embedding route exists", hint))
	}
	return problems
}
