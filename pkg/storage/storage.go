package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/types"
	"github.com/vjranagit/luxlogger/pkg/validate"
)

// Backend is the durable key-value backing of a Store. Readings are keyed by
// types.Key(Timestamp); Put is an atomic single-key upsert.
type Backend interface {
	// Ping reports whether the backing is reachable. Failures wrap
	// types.ErrStorageUnavailable.
	Ping(ctx context.Context) error

	// Put stores r, replacing any reading with the same key. Failures that
	// mean the backing is gone wrap types.ErrStorageUnavailable; any other
	// failure concerns this reading only.
	Put(ctx context.Context, r types.Reading) error

	// Scan returns readings with start <= key <= end in ascending key order.
	Scan(ctx context.Context, start, end float64) ([]types.Reading, error)

	// Latest returns the reading with the greatest key.
	Latest(ctx context.Context) (types.Reading, bool, error)

	// Stats summarises the stored readings.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the backing.
	Close() error
}

// Stats summarises stored readings.
type Stats struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Config holds storage configuration
type Config struct {
	Driver           string // badger, sqlite or postgres
	Path             string // badger directory or sqlite file
	DSN              string // postgres connection string
	CompressionLevel int
	DeadLetterPath   string
	CacheEnabled     bool
	CacheTTL         time.Duration
	CacheMaxCost     int64
}

// Storage drivers.
const (
	DriverBadger   = "badger"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:           DriverBadger,
		Path:             "./data/cache",
		CompressionLevel: 2,
		CacheEnabled:     true,
		CacheTTL:         5 * time.Minute,
		CacheMaxCost:     64 << 20,
	}
}

// OpenBackend opens the backend selected by cfg.Driver.
func OpenBackend(cfg *Config, logger *slog.Logger) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Driver {
	case DriverBadger, "":
		return OpenBadger(cfg.Path, cfg.CompressionLevel, logger)
	case DriverSQLite:
		return OpenSQLite(cfg.Path)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", types.ErrInvalidConfig, cfg.Driver)
	}
}

// Open opens the configured backend and wraps it in a Store together with
// the cache and dead-letter log described by cfg.
func Open(cfg *Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := logging.Component("storage")

	backend, err := OpenBackend(cfg, logger)
	if err != nil {
		return nil, err
	}

	var extra []Option
	if cfg.CacheEnabled {
		cache, err := NewQueryCache(cfg.CacheMaxCost, cfg.CacheTTL)
		if err != nil {
			backend.Close()
			return nil, err
		}
		extra = append(extra, WithCache(cache))
	}
	if cfg.DeadLetterPath != "" {
		dl, err := OpenDeadLetterLog(cfg.DeadLetterPath)
		if err != nil {
			backend.Close()
			return nil, err
		}
		extra = append(extra, WithDeadLetter(dl))
	}

	return New(backend, append(extra, opts...)...), nil
}

// Recorder receives store metrics.
type Recorder interface {
	ObserveFlush(persisted, dropped, requeued int)
	SetBufferSize(n int)
	ObserveCache(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFlush(int, int, int) {}
func (nopRecorder) SetBufferSize(int)          {}
func (nopRecorder) ObserveCache(bool)          {}

// Sink receives every batch of readings after it has been persisted.
// Sink failures are logged and never affect the flush outcome.
type Sink interface {
	Write(ctx context.Context, readings []types.Reading) error
}

// Option configures a Store.
type Option func(*Store)

// WithValidator makes Add reject readings the validator disqualifies.
// Without it every reading is accepted.
func WithValidator(v *validate.Validator) Option {
	return func(s *Store) { s.validator = v }
}

// WithCache serves Query from cache until the next flush persists data.
func WithCache(c *QueryCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithDeadLetter records dropped readings.
func WithDeadLetter(d *DeadLetterLog) Option {
	return func(s *Store) { s.deadLetters = d }
}

// WithSink adds a sink fed after each flush.
func WithSink(sink Sink) Option {
	return func(s *Store) { s.sinks = append(s.sinks, sink) }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// FlushResult counts the outcome of one flush. Persisted <= Total.
type FlushResult struct {
	Persisted int
	Total     int
	Dropped   int
}

// Store buffers validated readings in memory and persists them to a Backend
// on Flush. The buffer is never the system of record.
type Store struct {
	backend     Backend
	validator   *validate.Validator
	cache       *QueryCache
	deadLetters *DeadLetterLog
	sinks       []Sink
	recorder    Recorder
	logger      *slog.Logger

	mu     sync.Mutex
	buffer []types.Reading

	// flushMu serialises flushes.
	flushMu sync.Mutex
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("storage")
	}
	return s
}

// Add validates and buffers one reading. Rejected readings are dropped whole
// and the validation messages are returned.
func (s *Store) Add(ts time.Time, values *types.Values) (bool, []validate.Message) {
	var msgs []validate.Message
	if s.validator != nil {
		verdict := s.validator.Check(values, ts)
		msgs = verdict.Messages
		if !verdict.Passed {
			for _, m := range verdict.Errors() {
				s.logger.Warn("reading rejected", "timestamp", ts, "reason", m.Text)
			}
			return false, msgs
		}
		for _, m := range msgs {
			s.logger.Debug("validation warning", "timestamp", ts, "message", m.Text)
		}
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, types.Reading{Timestamp: ts, Values: values.Clone()})
	n := len(s.buffer)
	s.mu.Unlock()

	s.recorder.SetBufferSize(n)
	return true, msgs
}

// Pending returns the number of buffered readings.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush persists every buffered reading.
//
// If the backend is unreachable the buffer is left as is and the error wraps
// types.ErrStorageUnavailable. If the backend goes away mid-flush the
// remaining readings are put back at the head of the buffer. Readings that
// fail on their own are dropped, and the error wraps types.ErrPartialPersist.
func (s *Store) Flush(ctx context.Context) (FlushResult, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.Pending() == 0 {
		return FlushResult{}, nil
	}

	if err := s.backend.Ping(ctx); err != nil {
		pending := s.Pending()
		s.logger.Error("storage unavailable, keeping buffer", "buffer_size", pending, "error", err)
		s.recorder.ObserveFlush(0, 0, pending)
		return FlushResult{Total: pending}, unavailable(err)
	}

	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	res := FlushResult{Total: len(batch)}
	persisted := make([]types.Reading, 0, len(batch))
	var stopErr error

	for i, r := range batch {
		err := ctx.Err()
		if err == nil {
			err = s.backend.Put(ctx, r)
		}
		if err == nil {
			persisted = append(persisted, r)
			continue
		}
		if errors.Is(err, types.ErrStorageUnavailable) || ctx.Err() != nil {
			s.requeue(batch[i:])
			stopErr = err
			break
		}
		res.Dropped++
		s.logger.Error("dropping reading that could not be persisted",
			"timestamp", r.Timestamp, "key", r.Key(), "error", err)
		if s.deadLetters != nil {
			if dlErr := s.deadLetters.Append(r, err); dlErr != nil {
				s.logger.Error("failed to write dead letter", "error", dlErr)
			}
		}
	}
	res.Persisted = len(persisted)
	requeued := res.Total - res.Persisted - res.Dropped
	s.recorder.ObserveFlush(res.Persisted, res.Dropped, requeued)
	s.recorder.SetBufferSize(s.Pending())

	if res.Persisted > 0 {
		if s.cache != nil {
			s.cache.Invalidate()
		}
		s.feedSinks(ctx, persisted)
	}

	switch {
	case stopErr != nil && ctx.Err() != nil:
		s.logger.Warn("flush interrupted", "persisted", res.Persisted, "requeued", requeued)
		return res, fmt.Errorf("flush interrupted: %w", stopErr)
	case stopErr != nil:
		s.logger.Error("storage became unavailable during flush",
			"persisted", res.Persisted, "requeued", requeued, "error", stopErr)
		return res, unavailable(stopErr)
	case res.Dropped > 0:
		return res, fmt.Errorf("%w: %d of %d readings persisted, %d dropped",
			types.ErrPartialPersist, res.Persisted, res.Total, res.Dropped)
	}

	s.logger.Debug("flushed readings", "persisted", res.Persisted, "total", res.Total)
	return res, nil
}

// requeue puts readings back ahead of anything added since the snapshot.
func (s *Store) requeue(rs []types.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]types.Reading, 0, len(rs)+len(s.buffer))
	merged = append(merged, rs...)
	s.buffer = append(merged, s.buffer...)
}

func (s *Store) feedSinks(ctx context.Context, rs []types.Reading) {
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, rs); err != nil {
			s.logger.Warn("sink write failed", "readings", len(rs), "error", err)
		}
	}
}

func unavailable(err error) error {
	if errors.Is(err, types.ErrStorageUnavailable) {
		return fmt.Errorf("flush: %w", err)
	}
	return fmt.Errorf("flush: %w: %w", types.ErrStorageUnavailable, err)
}

// Query returns the persisted readings with start <= timestamp <= end in
// ascending order. Buffered readings are not included. The returned readings
// may be shared with the query cache and must not be modified.
func (s *Store) Query(ctx context.Context, start, end time.Time) ([]types.Reading, error) {
	if end.Before(start) {
		return nil, nil
	}

	var key string
	if s.cache != nil {
		key = s.cache.Key(start, end)
		if rs, ok := s.cache.Get(key); ok {
			s.recorder.ObserveCache(true)
			return append([]types.Reading(nil), rs...), nil
		}
		s.recorder.ObserveCache(false)
	}

	rs, err := s.backend.Scan(ctx, types.Key(start), types.Key(end))
	if err != nil {
		return nil, fmt.Errorf("query %s..%s: %w", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}

	if s.cache != nil {
		s.cache.Set(key, rs)
	}
	return append([]types.Reading(nil), rs...), nil
}

// Latest returns the most recent persisted reading.
func (s *Store) Latest(ctx context.Context) (types.Reading, bool, error) {
	return s.backend.Latest(ctx)
}

// Stats summarises the persisted readings.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.backend.Stats(ctx)
}

// Close releases the backend and auxiliary resources. Buffered readings are
// not flushed.
func (s *Store) Close() error {
	var errs []error
	if s.cache != nil {
		s.cache.Close()
	}
	if s.deadLetters != nil {
		errs = append(errs, s.deadLetters.Close())
	}
	errs = append(errs, s.backend.Close())
	return errors.Join(errs...)
}
