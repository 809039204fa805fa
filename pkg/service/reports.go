package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vjranagit/luxlogger/pkg/report"
	"github.com/vjranagit/luxlogger/pkg/scheduler"
)

// GenerateReportsNow sweeps old reports and renders the daily and weekly
// reports ending now. Each step runs even if an earlier one failed; the
// failures are joined into the returned error. An empty window is not a
// failure.
func (s *Service) GenerateReportsNow(ctx context.Context) error {
	log := s.logger.With("run_id", scheduler.RunID(ctx))
	log.Info("generating reports")

	s.checkDisk()

	var errs []error
	if err := s.step("cleanup", func() error {
		removed, err := s.renderer.Cleanup(s.cfg.ReportRetention)
		if removed > 0 {
			log.Info("old reports removed", "removed", removed)
		}
		return err
	}); err != nil {
		s.metrics.ObserveReport("cleanup", "error")
		errs = append(errs, err)
	}

	asOf := s.now()
	for _, w := range []struct {
		kind   report.Kind
		window time.Duration
	}{
		{report.KindDaily, s.cfg.DailyWindow},
		{report.KindWeekly, s.cfg.WeeklyWindow},
	} {
		kind := string(w.kind)
		err := s.step(kind, func() error {
			points, err := s.store.Query(ctx, asOf.Add(-w.window), asOf)
			if err != nil {
				return err
			}
			path, err := s.renderer.Render(points, w.kind, asOf)
			if errors.Is(err, report.ErrNoData) {
				s.metrics.ObserveReport(kind, "empty")
				log.Warn("no data for report", "kind", kind)
				return nil
			}
			if err != nil {
				return err
			}
			s.metrics.ObserveReport(kind, "ok")
			log.Info("report generated", "kind", kind, "path", path, "rows", len(points))
			return nil
		})
		if err != nil {
			s.metrics.ObserveReport(kind, "error")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// step runs fn, turning a panic into an error so later steps still run.
func (s *Service) step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
		if err != nil {
			s.logger.Error("report step failed", "step", name, "error", err)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
