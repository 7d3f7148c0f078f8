package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Default maintenance schedules.
const (
	DefaultReindexSchedule = "0 3 * * *"
	pruneSchedule          = "@daily"
)

// SchedulerConfig configures background maintenance.
type SchedulerConfig struct {
	// ReindexSchedule is a five-field cron expression or descriptor. Empty
	// disables scheduled reindexing.
	ReindexSchedule string
	// RetentionDays prunes documents older than this many days once a day.
	// Zero keeps everything.
	RetentionDays int
	Logger        zerolog.Logger
}

// Scheduler runs reindex and retention jobs against a Memory. A job still
// running when its next tick fires is skipped.
type Scheduler struct {
	mem    Memory
	cfg    SchedulerConfig
	cron   *cron.Cron
	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler validates the schedules and registers the jobs. Call Start to
// begin running them.
func NewScheduler(mem Memory, cfg SchedulerConfig) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronLogger := cronLogAdapter{logger: cfg.Logger}

	s := &Scheduler{
		mem:    mem,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}

	if cfg.ReindexSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.ReindexSchedule, s.runReindex); err != nil {
			return nil, fmt.Errorf("invalid reindex schedule: %w", err)
		}
	}
	if cfg.RetentionDays > 0 {
		if _, err := s.cron.AddFunc(pruneSchedule, s.runPrune); err != nil {
			return nil, fmt.Errorf("invalid prune schedule: %w", err)
		}
	}

	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().
		Str("reindex_schedule", s.cfg.ReindexSchedule).
		Int("retention_days", s.cfg.RetentionDays).
		Int("jobs", len(s.cron.Entries())).
		Msg("Memory maintenance scheduler started")
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runReindex() {
	report, err := s.mem.Reindex(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled reindex failed")
		return
	}
	s.logger.Debug().Str("run_id", report.RunID).Msg("Scheduled reindex finished")
}

func (s *Scheduler) runPrune() {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	removed, err := s.mem.PruneOlderThan(context.Background(), cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled prune failed")
		return
	}
	s.logger.Debug().Int("removed", removed).Msg("Scheduled prune finished")
}

// cronLogAdapter routes cron's logr-style output to zerolog.
type cronLogAdapter struct {
	logger zerolog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
