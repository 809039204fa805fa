// Package mirror copies persisted readings into InfluxDB so they can be
// graphed next to other home telemetry. The local store stays the system of
// record; mirror failures never affect it.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/types"
)

// DefaultMeasurement is the measurement name points are written under.
const DefaultMeasurement = "heatpump"

// Config describes the InfluxDB v2 target.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Tags        map[string]string
}

// Validate checks the fields needed to write.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("%w: mirror url is required", types.ErrInvalidConfig)
	case c.Org == "":
		return fmt.Errorf("%w: mirror org is required", types.ErrInvalidConfig)
	case c.Bucket == "":
		return fmt.Errorf("%w: mirror bucket is required", types.ErrInvalidConfig)
	}
	return nil
}

// Influx writes readings as InfluxDB points, one field per sensor.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	cfg      Config
	logger   *slog.Logger
}

// New creates the InfluxDB client. It does not contact the server; use Ping
// to verify connectivity.
func New(cfg Config) (*Influx, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		cfg:      cfg,
		logger:   logging.Component("mirror"),
	}, nil
}

// Ping checks that the server is healthy.
func (i *Influx) Ping(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("pinging influxdb: %w", err)
	}
	if !ok {
		return errors.New("influxdb is not ready")
	}
	return nil
}

// Write sends readings to InfluxDB. Non-finite values cannot be encoded in
// line protocol and are left out of the point.
func (i *Influx) Write(ctx context.Context, readings []types.Reading) error {
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		if p := i.point(r); p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := i.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("writing %d points to influxdb: %w", len(points), err)
	}
	i.logger.Debug("mirrored readings", "points", len(points), "bucket", i.cfg.Bucket)
	return nil
}

func (i *Influx) point(r types.Reading) *write.Point {
	fields := make(map[string]interface{}, r.Values.Len())
	for _, f := range r.Values.Fields() {
		if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			continue
		}
		fields[f.ID] = f.Value
	}
	if len(fields) == 0 {
		return nil
	}
	return write.NewPoint(i.cfg.Measurement, i.cfg.Tags, fields, r.Timestamp)
}

// Close releases the client.
func (i *Influx) Close() {
	i.client.Close()
}
