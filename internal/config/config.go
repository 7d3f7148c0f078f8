package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config represents the ranya-memory configuration
type Config struct {
	// Memory engine
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint served by the daemon
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// MemoryConfig holds memory engine configuration
type MemoryConfig struct {
	Backend        string `json:"backend" mapstructure:"backend"` // sqlite, none
	DBPath         string `json:"db_path" mapstructure:"db_path"`
	AutoSave       bool   `json:"auto_save" mapstructure:"auto_save"`
	EagerEmbedding bool   `json:"eager_embedding" mapstructure:"eager_embedding"`

	EmbeddingProvider    string `json:"embedding_provider" mapstructure:"embedding_provider"` // none, openai, custom:<url>
	EmbeddingModel       string `json:"embedding_model" mapstructure:"embedding_model"`
	EmbeddingDimensions  int    `json:"embedding_dimensions" mapstructure:"embedding_dimensions"`
	EmbeddingAPIKey      string `json:"embedding_api_key" mapstructure:"embedding_api_key"`
	EmbeddingTimeoutSecs int    `json:"embedding_timeout_secs" mapstructure:"embedding_timeout_secs"`
	EmbeddingCacheSize   int    `json:"embedding_cache_size" mapstructure:"embedding_cache_size"`

	// EmbeddingRoutes are selected by setting EmbeddingModel to "hint:<name>".
	EmbeddingRoutes []EmbeddingRouteConfig `json:"embedding_routes,omitempty" mapstructure:"embedding_routes"`

	VectorWeight      float64 `json:"vector_weight" mapstructure:"vector_weight"`
	KeywordWeight     float64 `json:"keyword_weight" mapstructure:"keyword_weight"`
	MinRelevanceScore float64 `json:"min_relevance_score" mapstructure:"min_relevance_score"`
	RecallLimit       int     `json:"recall_limit" mapstructure:"recall_limit"`

	ChunkMaxLines int `json:"chunk_max_lines" mapstructure:"chunk_max_lines"`
	ChunkMaxChars int `json:"chunk_max_chars" mapstructure:"chunk_max_chars"`

	// SQLiteOpenTimeoutSecs bounds waiting on a locked database. Nil waits forever.
	SQLiteOpenTimeoutSecs *int `json:"sqlite_open_timeout_secs,omitempty" mapstructure:"sqlite_open_timeout_secs"`

	ReindexSchedule string `json:"reindex_schedule" mapstructure:"reindex_schedule"`
	RetentionDays   int    `json:"retention_days" mapstructure:"retention_days"`

	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
	SnapshotPath  string `json:"snapshot_path" mapstructure:"snapshot_path"`
	AutoHydrate   bool   `json:"auto_hydrate" mapstructure:"auto_hydrate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			Backend:              "sqlite",
			AutoSave:             true,
			EmbeddingProvider:    "none",
			EmbeddingModel:       "text-embedding-3-small",
			EmbeddingDimensions:  1536,
			EmbeddingTimeoutSecs: 30,
			EmbeddingCacheSize:   10000,
			VectorWeight:         0.7,
			KeywordWeight:        0.3,
			RecallLimit:          10,
			ChunkMaxLines:        40,
			ChunkMaxChars:        2048,
			ReindexSchedule:      "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9464,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ranya-memory",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Memory.EmbeddingAPIKey != "" {
		masked.Memory.EmbeddingAPIKey = "***"
	}
	if len(c.Memory.EmbeddingRoutes) > 0 {
		masked.Memory.EmbeddingRoutes = make([]EmbeddingRouteConfig, len(c.Memory.EmbeddingRoutes))
		for i, r := range c.Memory.EmbeddingRoutes {
			if r.APIKey != "" {
				r.APIKey = "***"
			}
			masked.Memory.EmbeddingRoutes[i] = r
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	m := c.Memory

	switch m.Backend {
	case "sqlite", "none":
	default:
		return fmt.Errorf("invalid memory backend %q (must be: sqlite, none)", m.Backend)
	}
	if m.Backend == "none" {
		return nil
	}

	if m.DBPath == "" {
		return fmt.Errorf("memory db_path is required")
	}

	provider := strings.TrimSpace(m.EmbeddingProvider)
	switch {
	case provider == "none" || provider == "" || provider == "openai":
	case strings.HasPrefix(provider, "custom:"):
		if strings.TrimSpace(strings.TrimPrefix(provider, "custom:")) == "" {
			return fmt.Errorf("custom embedding provider requires a URL (custom:<url>)")
		}
	default:
		return fmt.Errorf("invalid embedding provider %q (must be: none, openai, custom:<url>)", m.EmbeddingProvider)
	}

	if m.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding_dimensions must be positive, got %d", m.EmbeddingDimensions)
	}
	if m.VectorWeight < 0 || m.KeywordWeight < 0 {
		return fmt.Errorf("vector_weight and keyword_weight must be >= 0")
	}
	if m.VectorWeight == 0 && m.KeywordWeight == 0 {
		return fmt.Errorf("at least one of vector_weight and keyword_weight must be positive")
	}
	if m.SQLiteOpenTimeoutSecs != nil && *m.SQLiteOpenTimeoutSecs <= 0 {
		return fmt.Errorf("sqlite_open_timeout_secs must be positive when set")
	}
	if m.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0")
	}

	return nil
}
