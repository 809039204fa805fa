// Package service wires the reader, store, renderer and scheduler into the
// long-running logger.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/internal/metrics"
	"github.com/vjranagit/luxlogger/pkg/diskguard"
	"github.com/vjranagit/luxlogger/pkg/report"
	"github.com/vjranagit/luxlogger/pkg/scheduler"
	"github.com/vjranagit/luxlogger/pkg/sensor"
	"github.com/vjranagit/luxlogger/pkg/storage"
	"github.com/vjranagit/luxlogger/pkg/types"
)

// Job names.
const (
	PollJob   = "poll_sensors"
	ReportJob = "generate_reports"
)

// flushReserveShare reserves 1/flushReserveShare of the shutdown grace
// period for the final flush.
const flushReserveShare = 5

// Config holds the service timings.
type Config struct {
	PollInterval    time.Duration
	ReportTime      string // HH:MM
	Location        *time.Location
	ReportRetention time.Duration
	DailyWindow     time.Duration
	WeeklyWindow    time.Duration
	ShutdownGrace   time.Duration
	Workers         int
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:    30 * time.Second,
		ReportTime:      "07:00",
		Location:        time.Local,
		ReportRetention: 30 * 24 * time.Hour,
		DailyWindow:     24 * time.Hour,
		WeeklyWindow:    7 * 24 * time.Hour,
		ShutdownGrace:   10 * time.Second,
		Workers:         scheduler.DefaultWorkers,
	}
}

// Service owns one store, one renderer and one scheduler for the lifetime
// of the process.
type Service struct {
	cfg      Config
	reader   sensor.Reader
	store    *storage.Store
	renderer *report.Renderer
	guard    *diskguard.Guard
	metrics  *metrics.Metrics
	sched    *scheduler.Scheduler
	now      func() time.Time
	logger   *slog.Logger

	schedOpts []scheduler.Option

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithDiskGuard runs the disk usage advisory before every job.
func WithDiskGuard(g *diskguard.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithMetrics records poll and report outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source for reading timestamps and report
// windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSchedulerOptions passes options to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(s *Service) { s.schedOpts = append(s.schedOpts, opts...) }
}

// New creates a Service and registers the poll and report jobs.
func New(cfg Config, reader sensor.Reader, store *storage.Store, renderer *report.Renderer, opts ...Option) (*Service, error) {
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", types.ErrInvalidConfig)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DailyWindow <= 0 {
		cfg.DailyWindow = 24 * time.Hour
	}
	if cfg.WeeklyWindow <= 0 {
		cfg.WeeklyWindow = 7 * 24 * time.Hour
	}
	trigger, err := scheduler.ParseDaily(cfg.ReportTime, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: report time: %w", types.ErrInvalidConfig, err)
	}

	s := &Service{
		cfg:      cfg,
		reader:   reader,
		store:    store,
		renderer: renderer,
		now:      time.Now,
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("service")
	}

	schedOpts := append([]scheduler.Option{scheduler.WithWorkers(cfg.Workers)}, s.schedOpts...)
	s.sched = scheduler.New(schedOpts...)

	if err := s.sched.Add(scheduler.Job{
		Name:         PollJob,
		Trigger:      scheduler.Every(cfg.PollInterval),
		MaxInstances: 3,
		MisfireGrace: 30 * time.Second,
		Run:          s.pollJob,
	}); err != nil {
		return nil, err
	}
	if err := s.sched.Add(scheduler.Job{
		Name:         ReportJob,
		Trigger:      trigger,
		MaxInstances: 1,
		MisfireGrace: 300 * time.Second,
		Run:          s.reportJob,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Scheduler returns the service scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// RunForever starts the scheduler and blocks until ctx is done or
// RequestShutdown is called. It then stops the scheduler and flushes the
// store, both bounded by the shutdown grace period.
func (s *Service) RunForever(ctx context.Context) error {
	// Runs outlive ctx until the grace period ends.
	if err := s.sched.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	next, _ := s.sched.NextRun(ReportJob)
	s.logger.Info("service started",
		"poll_interval", s.cfg.PollInterval, "report_time", s.cfg.ReportTime, "next_report", next)

	select {
	case <-ctx.Done():
	case <-s.shutdown:
	}
	s.logger.Info("shutdown requested", "grace", s.cfg.ShutdownGrace)

	// The final flush keeps a share of the grace period even when the
	// scheduler drain runs out of time.
	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	stopCtx, cancelStop := context.WithDeadline(context.Background(),
		deadline.Add(-s.cfg.ShutdownGrace/flushReserveShare))
	if err := s.sched.Stop(stopCtx); err != nil {
		s.logger.Warn("scheduler did not drain in time", "error", err)
	}
	cancelStop()

	flushCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if res, err := s.store.Flush(flushCtx); err != nil {
		s.logger.Error("final flush failed", "persisted", res.Persisted, "error", err)
	}
	if pending := s.store.Pending(); pending > 0 {
		s.logger.Error("exiting with unflushed readings", "unflushed", pending)
	}
	s.logger.Info("service stopped")
	return nil
}

// RequestShutdown asks RunForever to return. It is safe to call more than
// once and from any goroutine.
func (s *Service) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Service) pollJob(ctx context.Context) error {
	if err := s.PollOnce(ctx); err != nil {
		s.logger.Error("poll failed", "run_id", scheduler.RunID(ctx), "error", err)
	}
	return nil
}

func (s *Service) reportJob(ctx context.Context) error {
	if err := s.GenerateReportsNow(ctx); err != nil {
		s.logger.Error("report generation finished with errors", "run_id", scheduler.RunID(ctx), "error", err)
	}
	return nil
}

// checkDisk logs paths over the threshold. It never blocks work.
func (s *Service) checkDisk() {
	if s.guard == nil {
		return
	}
	if over := s.guard.Check(); len(over) > 0 {
		s.logger.Warn("low disk space", "paths", len(over), "threshold", s.guard.Threshold())
	}
}
