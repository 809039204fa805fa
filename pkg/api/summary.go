package api

import (
	"fmt"
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/vjranagit/luxlogger/pkg/types"
)

// summaryAccuracy is the relative accuracy of the quantile sketch.
const summaryAccuracy = 0.01

// Summary describes one sensor over a range of readings.
type Summary struct {
	Sensor string    `json:"sensor"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Count  int       `json:"count"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Mean   float64   `json:"mean"`
	P50    float64   `json:"p50"`
	P90    float64   `json:"p90"`
	P99    float64   `json:"p99"`
}

// Summarize computes count, extremes, mean and quantiles of one sensor.
// Readings without the sensor and non-finite values are skipped.
func Summarize(id string, points []types.Reading) (Summary, error) {
	sum := Summary{Sensor: id, Min: math.MaxFloat64, Max: -math.MaxFloat64}

	sketch, err := ddsketch.NewDefaultDDSketch(summaryAccuracy)
	if err != nil {
		return sum, fmt.Errorf("creating sketch: %w", err)
	}

	var total float64
	for _, p := range points {
		v, ok := p.Values.Get(id)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum.Count++
		total += v
		sum.Min = math.Min(sum.Min, v)
		sum.Max = math.Max(sum.Max, v)
		if err := sketch.Add(v); err != nil {
			return sum, fmt.Errorf("adding %g to sketch: %w", v, err)
		}
	}
	if sum.Count == 0 {
		sum.Min, sum.Max = 0, 0
		return sum, nil
	}
	sum.Mean = total / float64(sum.Count)

	for _, q := range []struct {
		dst *float64
		q   float64
	}{{&sum.P50, 0.5}, {&sum.P90, 0.9}, {&sum.P99, 0.99}} {
		v, err := sketch.GetValueAtQuantile(q.q)
		if err != nil {
			return sum, fmt.Errorf("quantile %g: %w", q.q, err)
		}
		*q.dst = v
	}
	return sum, nil
}
