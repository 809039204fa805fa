// Package scheduler runs named jobs on interval and daily triggers.
//
// Due jobs are kept in a min-heap ordered by next fire time and executed on
// a bounded worker pool. Each job bounds its own concurrent runs, skips fires
// that are later than its misfire grace, and coalesces missed fires into a
// single run.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vjranagit/luxlogger/internal/logging"
)

// State of the scheduler.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotStopped is returned when jobs are added or the scheduler is
	// started outside the Stopped state.
	ErrNotStopped = errors.New("scheduler is not stopped")

	// ErrNotRunning is returned by Stop outside the Running state.
	ErrNotRunning = errors.New("scheduler is not running")
)

// Job is a named unit of scheduled work.
type Job struct {
	Name    string
	Trigger Trigger

	// MaxInstances bounds concurrent runs of this job. Fires arriving while
	// the bound is reached are skipped. Defaults to 1.
	MaxInstances int

	// MisfireGrace is how late a fire may start, measured from the latest
	// missed slot. Later fires are skipped. Zero means no limit.
	MisfireGrace time.Duration

	Run func(ctx context.Context) error
}

// =============================================================================
// Heap Implementation
// =============================================================================

type entry struct {
	job   Job
	next  time.Time
	sem   *semaphore.Weighted
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].next.Before(h[j].next)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	item := x.(*entry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// =============================================================================
// Scheduler
// =============================================================================

// DefaultWorkers is the default size of the worker pool.
const DefaultWorkers = 10

type task struct {
	entry     *entry
	scheduled time.Time
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    entryHeap
	entries map[string]*entry

	state atomic.Int32

	workers      int
	tickInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// Per start.
	tasks      chan task
	shutdown   chan struct{}
	loopDone   chan struct{}
	wg         *sync.WaitGroup
	cancelRuns context.CancelFunc

	active  atomic.Int64
	skipped atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTickInterval sets how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a stopped Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		entries:      make(map[string]*entry),
		workers:      DefaultWorkers,
		tickInterval: 250 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("scheduler")
	}
	return s
}

// State returns the current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Add registers a job. Jobs can only be added while stopped.
func (s *Scheduler) Add(job Job) error {
	if s.State() != StateStopped {
		return ErrNotStopped
	}
	if job.Name == "" || job.Trigger == nil || job.Run == nil {
		return fmt.Errorf("job needs a name, a trigger and a run function")
	}
	if job.MaxInstances <= 0 {
		job.MaxInstances = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.entries[job.Name] = &entry{
		job:   job,
		sem:   semaphore.NewWeighted(int64(job.MaxInstances)),
		index: -1,
	}

	s.logger.Debug("job added", "job", job.Name, "trigger", job.Trigger.String(),
		"max_instances", job.MaxInstances, "misfire_grace", job.MisfireGrace)
	return nil
}

// Start schedules every job's first fire and starts the workers. Runs get a
// context derived from ctx that is cancelled when Stop gives up waiting.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return ErrNotStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	now := s.now()

	s.mu.Lock()
	s.heap = s.heap[:0]
	for _, e := range s.entries {
		e.next = e.job.Trigger.Next(now)
		heap.Push(&s.heap, e)
	}
	s.tasks = make(chan task, s.workers)
	s.shutdown = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.wg = &sync.WaitGroup{}
	s.cancelRuns = cancel
	wg, tasks, shutdown, loopDone := s.wg, s.tasks, s.shutdown, s.loopDone
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go s.worker(runCtx, wg, tasks)
	}
	go s.loop(shutdown, loopDone)

	s.logger.Info("scheduler started", "workers", s.workers, "jobs", len(s.entries))
	return nil
}

// Stop stops firing jobs and waits for in-flight runs until ctx is done.
// On timeout the runs' context is cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrNotRunning
	}
	s.logger.Info("scheduler stopping", "active_runs", s.active.Load())

	s.mu.Lock()
	shutdown, loopDone, wg, tasks, cancel := s.shutdown, s.loopDone, s.wg, s.tasks, s.cancelRuns
	s.mu.Unlock()

	close(shutdown)
	<-loopDone
	close(tasks)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("scheduler drain timeout", "active_runs", s.active.Load())
	}
	cancel()

	s.mu.Lock()
	for _, e := range s.heap {
		e.index = -1
	}
	s.heap = nil
	s.mu.Unlock()

	s.state.Store(int32(StateStopped))
	return err
}

// NextRun returns the next fire time of a job while running.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok || e.index < 0 {
		return time.Time{}, false
	}
	return e.next, true
}

// Active returns the number of runs in progress.
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// Skipped returns how many fires were skipped as misfired or over capacity.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// =============================================================================
// Schedule Loop
// =============================================================================

func (s *Scheduler) loop(shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDue(s.now())
		case <-shutdown:
			return
		}
	}
}

func (s *Scheduler) processDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 && !s.heap[0].next.After(now) {
		e := heap.Pop(&s.heap).(*entry)

		// Missed fires collapse into the latest due one, and lateness is
		// measured from it.
		scheduled := e.next
		for next := e.job.Trigger.Next(scheduled); !next.After(now); next = e.job.Trigger.Next(next) {
			scheduled = next
		}
		s.fire(e, scheduled, now)

		e.next = e.job.Trigger.Next(scheduled)
		heap.Push(&s.heap, e)
	}
}

// fire hands one due run to the pool unless it is late or over capacity.
func (s *Scheduler) fire(e *entry, scheduled, now time.Time) {
	late := now.Sub(scheduled)
	if e.job.MisfireGrace > 0 && late > e.job.MisfireGrace {
		s.skipped.Add(1)
		s.logger.Warn("run missed by too long, skipping",
			"job", e.job.Name, "scheduled", scheduled, "late", late.Round(time.Millisecond))
		return
	}
	if !e.sem.TryAcquire(1) {
		s.skipped.Add(1)
		s.logger.Warn("maximum running instances reached, skipping",
			"job", e.job.Name, "max_instances", e.job.MaxInstances)
		return
	}
	select {
	case s.tasks <- task{entry: e, scheduled: scheduled}:
	default:
		e.sem.Release(1)
		s.skipped.Add(1)
		s.logger.Warn("worker pool saturated, skipping", "job", e.job.Name, "workers", s.workers)
	}
}

// =============================================================================
// Worker
// =============================================================================

type runIDKey struct{}

// RunID returns the id of the run executing with ctx, or "" outside a run.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, tasks <-chan task) {
	defer wg.Done()
	for t := range tasks {
		s.execute(ctx, t)
	}
}

// execute runs one job with panic recovery.
func (s *Scheduler) execute(ctx context.Context, t task) {
	e := t.entry
	runID := uuid.NewString()
	start := time.Now()
	log := s.logger.With("job", e.job.Name, "run_id", runID)

	s.active.Add(1)
	defer func() {
		e.sem.Release(1)
		s.active.Add(-1)
		if r := recover(); r != nil {
			log.Error("panic in job run", "panic", r)
		}
	}()

	log.Debug("job started", "scheduled", t.scheduled)
	if err := e.job.Run(context.WithValue(ctx, runIDKey{}, runID)); err != nil {
		log.Error("job failed", "error", err, "duration", time.Since(start))
		return
	}
	log.Debug("job completed", "duration", time.Since(start))
}
