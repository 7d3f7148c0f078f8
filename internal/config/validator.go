package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateEmbeddingProvider validates an embedding provider name
func (v *Validator) ValidateEmbeddingProvider(provider string) error {
	switch {
	case provider == "" || provider == "none" || provider == "openai":
		return nil
	case strings.HasPrefix(provider, "custom:"):
		raw := strings.TrimPrefix(provider, "custom:")
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid custom embedding endpoint: %q", raw)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("custom embedding endpoint must be http or https, got %s", u.Scheme)
		}
		return nil
	default:
		return fmt.Errorf("invalid embedding provider: %s (must be one of: none, openai, custom:<url>)", provider)
	}
}

// ValidateWeights validates hybrid search weights
func (v *Validator) ValidateWeights(vector, keyword float64) error {
	if vector < 0 || keyword < 0 {
		return fmt.Errorf("search weights must be >= 0, got vector=%g keyword=%g", vector, keyword)
	}
	if vector == 0 && keyword == 0 {
		return fmt.Errorf("at least one search weight must be positive")
	}
	return nil
}

// ValidateMinScore validates the minimum relevance score
func (v *Validator) ValidateMinScore(score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("min_relevance_score must be between 0 and 1, got %f", score)
	}
	return nil
}

// ValidateSchedule validates a cron expression or descriptor
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil // Scheduling disabled
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid reindex schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	m := cfg.Memory

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateEmbeddingProvider(m.EmbeddingProvider); err != nil {
		errors = append(errors, err)
	}
	if m.EmbeddingProvider == "openai" && m.EmbeddingAPIKey != "" {
		if err := v.ValidateAPIKey(m.EmbeddingAPIKey, "openai"); err != nil {
			errors = append(errors, err)
		}
	}
	if err := v.ValidateWeights(m.VectorWeight, m.KeywordWeight); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateMinScore(m.MinRelevanceScore); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSchedule(m.ReindexSchedule); err != nil {
		errors = append(errors, err)
	}

	if m.EmbeddingCacheSize < 0 {
		errors = append(errors, fmt.Errorf("embedding_cache_size must be >= 0"))
	}
	if m.EmbeddingTimeoutSecs < 0 {
		errors = append(errors, fmt.Errorf("embedding_timeout_secs must be >= 0"))
	}
	if m.ChunkMaxLines < 0 || m.ChunkMaxChars < 0 {
		errors = append(errors, fmt.Errorf("chunk_max_lines and chunk_max_chars must be >= 0"))
	}
	if m.RecallLimit < 0 {
		errors = append(errors, fmt.Errorf("recall_limit must be >= 0"))
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		errors = append(errors, fmt.Errorf("metrics port must be between 1 and 65535, got %d", cfg.Metrics.Port))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
