package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/types"
)

// Backoff maps a failed attempt number to the delay before the next attempt.
// Attempts without an entry retry immediately.
type Backoff map[int]time.Duration

// DefaultBackoff doubles from a two second base.
var DefaultBackoff = Backoff{1: 2 * time.Second, 2: 4 * time.Second}

const (
	DefaultAttempts = 3
	DefaultTimeout  = 10 * time.Second
)

// RetryReader bounds each read with a timeout and retries failed reads
// according to a Backoff table.
type RetryReader struct {
	reader   Reader
	attempts int
	timeout  time.Duration
	backoff  Backoff
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// RetryOption configures a RetryReader.
type RetryOption func(*RetryReader)

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) RetryOption {
	return func(r *RetryReader) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) RetryOption {
	return func(r *RetryReader) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBackoff sets the delay table.
func WithBackoff(b Backoff) RetryOption {
	return func(r *RetryReader) { r.backoff = b }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *RetryReader) { r.logger = l }
}

// NewRetryReader wraps reader with DefaultAttempts, DefaultTimeout and
// DefaultBackoff unless overridden.
func NewRetryReader(reader Reader, opts ...RetryOption) *RetryReader {
	r := &RetryReader{
		reader:   reader,
		attempts: DefaultAttempts,
		timeout:  DefaultTimeout,
		backoff:  DefaultBackoff,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Component("sensor")
	}
	return r
}

// Read tries the wrapped reader until it succeeds, the attempts run out or
// ctx is done.
func (r *RetryReader) Read(ctx context.Context) (*types.Values, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		values, err := r.readOnce(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("sensor read recovered", "attempt", attempt)
			}
			return values, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == r.attempts {
			break
		}

		delay := r.backoff[attempt]
		r.logger.Warn("sensor read failed, retrying",
			"attempt", attempt, "max_attempts", r.attempts, "delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return nil, fmt.Errorf("%w: %d attempts: %w", types.ErrAcquisition, r.attempts, lastErr)
}

func (r *RetryReader) readOnce(ctx context.Context) (*types.Values, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.reader.Read(actx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
