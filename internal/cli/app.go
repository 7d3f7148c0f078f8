package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/ranya-memory/internal/config"
	"github.com/harun/ranya-memory/internal/logger"
	"github.com/harun/ranya-memory/internal/observability"
	"github.com/harun/ranya-memory/internal/tracing"
	"github.com/harun/ranya-memory/pkg/memory"
	"github.com/rs/zerolog"
)

// session bundles what every memory command needs: validated config, the
// process logger and an open Memory.
type session struct {
	cfg *config.Config
	log *logger.Logger
	mem memory.Memory
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// buildMemoryConfig maps the file/env configuration onto the memory engine
func buildMemoryConfig(cfg *config.Config, log zerolog.Logger) (memory.Config, error) {
	m := cfg.Memory
	timeout := time.Duration(m.EmbeddingTimeoutSecs) * time.Second

	for _, problem := range config.NewValidator().ValidateEmbeddingRoutes(m) {
		log.Warn().Err(problem).Msg("Embedding route misconfigured")
	}
	emb, err := m.ResolveEmbedding()
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to memory embedding settings")
	} else if emb.Route != "" {
		log.Debug().Str("route", emb.Route).Str("provider", emb.Provider).Str("model", emb.Model).Msg("Embedding route applied")
	}

	provider, err := memory.NewEmbeddingProvider(memory.EmbeddingConfig{
		Provider:   emb.Provider,
		Model:      emb.Model,
		Dimensions: emb.Dimensions,
		APIKey:     emb.APIKey,
		Timeout:    timeout,
	})
	if err != nil {
		return memory.Config{}, err
	}

	mc := memory.DefaultConfig(m.DBPath)
	mc.Backend = m.Backend
	mc.Logger = log.With().Str("component", "memory").Logger()
	mc.EmbeddingProvider = provider
	mc.EmbeddingCacheSize = m.EmbeddingCacheSize
	if timeout > 0 {
		mc.EmbeddingTimeout = timeout
	}
	mc.VectorWeight = m.VectorWeight
	mc.KeywordWeight = m.KeywordWeight
	mc.MinRelevanceScore = m.MinRelevanceScore
	mc.RecallLimit = m.RecallLimit
	mc.Chunker = memory.ChunkerConfig{MaxLines: m.ChunkMaxLines, MaxChars: m.ChunkMaxChars}
	mc.AutoSave = m.AutoSave
	mc.EagerEmbedding = m.EagerEmbedding
	if m.SQLiteOpenTimeoutSecs != nil {
		mc.OpenTimeout = time.Duration(*m.SQLiteOpenTimeoutSecs) * time.Second
	}

	return mc, nil
}

// openSession loads config, sets up logging, audit and tracing, and opens the
// configured memory backend. console enables log output on stderr.
func openSession(ctx context.Context, console bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := newLogger(cfg, console)
	if err != nil {
		return nil, err
	}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		log.Warn().Err(err).Msg("Audit log unavailable, writing audit events to stderr")
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		}
	}

	mc, err := buildMemoryConfig(cfg, log.GetZerolog())
	if err != nil {
		log.Close()
		return nil, err
	}

	mem, err := memory.Open(ctx, mc)
	if err != nil {
		log.Close()
		return nil, describeError(err)
	}

	if cfg.Memory.AutoHydrate {
		restored, err := memory.AutoHydrate(ctx, mem, cfg.Memory.SnapshotPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Memory.SnapshotPath).Msg("Auto-hydrate failed")
		} else if restored {
			log.Info().Str("path", cfg.Memory.SnapshotPath).Msg("Memory restored from snapshot")
		}
	}

	return &session{cfg: cfg, log: log, mem: mem}, nil
}

func (s *session) logger(ctx context.Context) zerolog.Logger {
	return tracing.LoggerFromContext(ctx, s.log.GetZerolog())
}

func (s *session) Close() error {
	err := s.mem.Close()
	if cerr := s.log.Close(); err == nil {
		err = cerr
	}
	return err
}

// describeError adds operator guidance to the failures a user can act on
func describeError(err error) error {
	switch {
	case errors.Is(err, memory.ErrStoreUnavailable):
		return fmt.Errorf("%w\nhint: another process may hold the database lock; set memory.sqlite_open_timeout_secs or stop the daemon", err)
	case errors.Is(err, memory.ErrReindexFailed):
		return fmt.Errorf("%w\nhint: the previous keyword index is still active; check disk space and retry", err)
	case errors.Is(err, memory.ErrEmbeddingDimensionMismatch):
		return fmt.Errorf("%w\nhint: memory.embedding_dimensions must match the model output", err)
	default:
		return err
	}
}

func commandContext(ctx context.Context, name string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return tracing.NewCommandContext(ctx, name)
}
