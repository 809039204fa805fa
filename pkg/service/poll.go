package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vjranagit/luxlogger/internal/metrics"
	"github.com/vjranagit/luxlogger/pkg/scheduler"
	"github.com/vjranagit/luxlogger/pkg/types"
	"github.com/vjranagit/luxlogger/pkg/validate"
)

// PollOnce reads the sensors once, buffers the reading and flushes the
// store. A failed flush leaves unavailable readings buffered for the next
// poll.
func (s *Service) PollOnce(ctx context.Context) error {
	start := time.Now()
	log := s.logger.With("run_id", scheduler.RunID(ctx))
	log.Debug("polling sensors")

	s.checkDisk()

	values, err := s.reader.Read(ctx)
	if err != nil {
		s.metrics.ObservePoll(metrics.PollFailed, time.Since(start))
		return fmt.Errorf("reading sensors: %w", err)
	}

	ts := s.now()
	ok, msgs := s.store.Add(ts, values)
	if !ok {
		s.metrics.ObservePoll(metrics.PollRejected, time.Since(start))
		reason := "unknown"
		for _, m := range msgs {
			if m.Severity == validate.SeverityError {
				reason = m.Text
				break
			}
		}
		return fmt.Errorf("%w: %s", types.ErrValidationRejected, reason)
	}
	if len(msgs) > 0 {
		log.Info("reading accepted with warnings", "warnings", len(msgs))
	}

	res, err := s.store.Flush(ctx)
	s.metrics.ObservePoll(metrics.PollOK, time.Since(start))
	if err != nil {
		return fmt.Errorf("flushing store: %w", err)
	}
	log.Info("stored sensor readings",
		"sensors", values.Len(), "persisted", res.Persisted, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
