package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/harun/ranya-memory/internal/config"
	"github.com/harun/ranya-memory/internal/logger"
	"github.com/harun/ranya-memory/internal/observability"
	"github.com/harun/ranya-memory/internal/tracing"
	"github.com/harun/ranya-memory/pkg/memory"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Daemon keeps a memory store maintained in the background: scheduled
// reindex and retention, workspace mirroring and the metrics endpoint.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	mem    memory.Memory

	scheduler *memory.Scheduler
	syncer    *memory.WorkspaceSyncer
	watcher   *memory.FileWatcher
	lifecycle *LifecycleManager

	metricsServer   *http.Server
	metricsListener net.Listener

	syncCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running     bool
	Uptime      time.Duration
	StartTime   time.Time
	MetricsAddr string
	Workspace   string
}

// New creates a daemon around an open memory. The daemon does not own mem;
// the caller closes it after Stop.
func New(cfg *config.Config, log *logger.Logger, mem memory.Memory) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:    cfg,
		logger:    log,
		mem:       mem,
		lifecycle: NewLifecycleManager(cfg.DataDir),
		syncCh:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	scheduler, err := memory.NewScheduler(mem, memory.SchedulerConfig{
		ReindexSchedule: cfg.Memory.ReindexSchedule,
		RetentionDays:   cfg.Memory.RetentionDays,
		Logger:          log.Component("scheduler"),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	d.scheduler = scheduler

	if cfg.Memory.WorkspacePath != "" {
		syncer, err := memory.NewWorkspaceSyncer(mem, cfg.Memory.WorkspacePath, log.Component("workspace"))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create workspace syncer: %w", err)
		}
		d.syncer = syncer
	}

	if cfg.Metrics.Enabled {
		observability.EnsureRegistered()
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		mux.HandleFunc("/healthz", d.handleHealth)
		d.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return d, nil
}

// Start writes the PID file and starts every background service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.NewCommandContext(d.ctx, "serve")
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	log.Info().Msg("Starting memory daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.metricsServer != nil {
		addr := net.JoinHostPort(d.config.Metrics.Host, strconv.Itoa(d.config.Metrics.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		d.metricsListener = ln

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
	}

	d.scheduler.Start()
	log.Info().Int("jobs", d.scheduler.Jobs()).Msg("Maintenance scheduler started")

	if d.syncer != nil {
		d.syncWorkspace(log)

		watcher, err := memory.NewFileWatcher(d.logger.Component("watcher"), memory.DefaultWatchDebounce, d.requestSync)
		if err != nil {
			log.Warn().Err(err).Msg("Workspace watcher unavailable, syncing at startup only")
		} else if err := watcher.Watch(d.syncer.Root()); err != nil {
			log.Warn().Err(err).Msg("Failed to watch workspace")
			_ = watcher.Stop()
		} else {
			d.watcher = watcher
		}

		d.wg.Add(1)
		go d.syncLoop(log)
	}

	observability.RecordMemoryAudit(ctx, "daemon_start", "success", map[string]interface{}{
		"pid_file": d.lifecycle.PIDFile(),
	})
	log.Info().Str("pid_file", d.lifecycle.PIDFile()).Msg("Memory daemon started")
	return nil
}

// Stop shuts the background services down in reverse order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx := tracing.NewCommandContext(context.Background(), "serve")
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	log.Info().Msg("Stopping memory daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	d.cancel()

	if err := d.scheduler.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}

	if d.metricsServer != nil && d.metricsListener != nil {
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}

	d.wg.Wait()

	if d.config.Memory.AutoHydrate && d.config.Memory.SnapshotPath != "" {
		if err := memory.SnapshotToFile(shutdownCtx, d.mem, d.config.Memory.SnapshotPath); err != nil {
			errs = append(errs, fmt.Errorf("write snapshot: %w", err))
		} else {
			log.Info().Str("path", d.config.Memory.SnapshotPath).Msg("Snapshot written")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}

	status := "success"
	if len(errs) > 0 {
		status = "error"
	}
	observability.RecordMemoryAudit(ctx, "daemon_stop", status, nil)
	log.Info().Msg("Memory daemon stopped")

	return errors.Join(errs...)
}

// Run starts the daemon and blocks until ctx is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")
	return d.Stop()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if d.metricsListener != nil {
		status.MetricsAddr = d.metricsListener.Addr().String()
	}
	if d.syncer != nil {
		status.Workspace = d.syncer.Root()
	}
	return status
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// requestSync coalesces watcher callbacks into at most one pending sync
func (d *Daemon) requestSync() {
	select {
	case d.syncCh <- struct{}{}:
	default:
	}
}

func (d *Daemon) syncLoop(log zerolog.Logger) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.syncCh:
			d.syncWorkspace(log)
		}
	}
}

func (d *Daemon) syncWorkspace(log zerolog.Logger) {
	report, err := d.syncer.Sync(d.ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			log.Error().Err(err).Msg("Workspace sync failed")
		}
		return
	}
	log.Info().
		Int("added", report.Added).
		Int("updated", report.Updated).
		Int("removed", report.Removed).
		Int("unchanged", report.Unchanged).
		Msg("Workspace synced")
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := d.mem.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	observability.SetMemoryEntries(stats.Chunks)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok documents=%d chunks=%d\n", stats.Documents, stats.Chunks)
}
