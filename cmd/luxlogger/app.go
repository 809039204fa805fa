package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vjranagit/luxlogger/internal/config"
	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/internal/metrics"
	"github.com/vjranagit/luxlogger/pkg/diskguard"
	"github.com/vjranagit/luxlogger/pkg/mirror"
	"github.com/vjranagit/luxlogger/pkg/report"
	"github.com/vjranagit/luxlogger/pkg/sensor"
	"github.com/vjranagit/luxlogger/pkg/service"
	"github.com/vjranagit/luxlogger/pkg/storage"
	"github.com/vjranagit/luxlogger/pkg/validate"
)

// app holds the components shared by every mode.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	store    *storage.Store
	renderer *report.Renderer
	mirror   *mirror.Influx
	logger   *slog.Logger
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		metrics: metrics.New(),
		logger:  logging.Component("main"),
	}

	opts := []storage.Option{storage.WithRecorder(a.metrics)}
	if vcfg, enabled := cfg.ToValidateConfig(); enabled {
		v, err := validate.New(vcfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, storage.WithValidator(v))
	} else {
		a.logger.Warn("reading validation is disabled")
	}

	if cfg.Mirror.Enabled {
		m, err := mirror.New(cfg.ToMirrorConfig())
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Ping(ctx); err != nil {
			a.logger.Warn("influxdb mirror not reachable yet", "url", cfg.Mirror.URL, "error", err)
		}
		cancel()
		a.mirror = m
		opts = append(opts, storage.WithSink(m))
	}

	store, err := storage.Open(cfg.ToStorageConfig(), opts...)
	if err != nil {
		a.closeMirror()
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store

	renderer, err := report.New(cfg.ReportDirs(), report.WithDelimiter(cfg.Delimiter()))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.renderer = renderer

	a.logger.Info("storage ready",
		"driver", cfg.Storage.Driver, "path", cfg.Storage.Path, "cache", cfg.Storage.Cache.Enabled)
	return a, nil
}

func (a *app) reader() sensor.Reader {
	var base sensor.Reader
	switch a.cfg.Sensor.Source {
	case config.SourceSimulator:
		base = sensor.NewSimulator(a.cfg.Sensor.SimulatedSensors, time.Now().UnixNano())
	default:
		base = sensor.NewHTTPReader(a.cfg.SensorURL(), nil)
	}
	return sensor.NewRetryReader(base,
		sensor.WithAttempts(a.cfg.Sensor.Attempts),
		sensor.WithTimeout(a.cfg.Sensor.Timeout))
}

func (a *app) service() (*service.Service, error) {
	scfg, err := a.cfg.ToServiceConfig()
	if err != nil {
		return nil, err
	}
	guard, err := diskguard.New(a.cfg.DiskPaths(), a.cfg.Disk.Threshold)
	if err != nil {
		return nil, err
	}
	return service.New(scfg, a.reader(), a.store, a.renderer,
		service.WithDiskGuard(guard),
		service.WithMetrics(a.metrics))
}

func (a *app) closeMirror() {
	if a.mirror != nil {
		a.mirror.Close()
	}
}

// Close releases the store and the mirror.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("closing storage", "error", err)
		}
	}
	a.closeMirror()
}
