// Package validate decides whether a heat-pump reading is complete and sane
// enough to keep.
package validate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vjranagit/luxlogger/pkg/types"
)

// Severity of a validation message.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityError {
		return "ERROR"
	}
	return "WARNING"
}

// Message is one human-readable validation finding.
type Message struct {
	Severity Severity
	Text     string
}

func (m Message) String() string {
	return m.Severity.String() + ": " + m.Text
}

// Verdict is the outcome of checking one reading.
type Verdict struct {
	Passed   bool
	Messages []Message
}

// Errors returns only the disqualifying messages.
func (v Verdict) Errors() []Message {
	var out []Message
	for _, m := range v.Messages {
		if m.Severity == SeverityError {
			out = append(out, m)
		}
	}
	return out
}

// Config holds the validator thresholds.
type Config struct {
	MinSensorCount     int
	MinCriticalSensors int
	GoodSensorCount    int
	MaxClockSkew       time.Duration
}

// DefaultConfig returns the thresholds tuned for a healthy Luxtronik controller,
// which reports well over a thousand values.
func DefaultConfig() Config {
	return Config{
		MinSensorCount:     100,
		MinCriticalSensors: 10,
		GoodSensorCount:    500,
		MaxClockSkew:       time.Hour,
	}
}

// Range is an inclusive expected value range.
type Range struct {
	Min, Max float64
}

// Category is the coarse sensor class derived from its id.
type Category string

const (
	CategoryTemperature Category = "temperature"
	CategoryFlow        Category = "flow"
	CategoryPressure    Category = "pressure"
	CategoryEnergy      Category = "energy"
	CategoryUnknown     Category = "unknown"
)

// ExpectedRanges per category. Values outside produce warnings only.
var ExpectedRanges = map[Category]Range{
	CategoryTemperature: {-30, 100},
	CategoryFlow:        {0, 100},
	CategoryPressure:    {0, 10},
	CategoryEnergy:      {0, 10000},
}

// TemperatureTokens are matched case-insensitively as substrings of sensor ids.
// The short ones are Luxtronik abbreviations (TVL flow, TRL return, TA ambient,
// TWA/TWE heat source out/in, TSK/TSS solar collector/storage).
var TemperatureTokens = []string{"temp", "temperatur", "tvl", "trl", "ta", "twa", "twe", "tsk", "tss"}

var categoryTokens = []struct {
	category Category
	tokens   []string
}{
	{CategoryTemperature, TemperatureTokens},
	{CategoryFlow, []string{"flow", "volum", "rate"}},
	{CategoryPressure, []string{"pressure", "press", "bar"}},
	{CategoryEnergy, []string{"energy", "power", "watt", "kwh"}},
}

// maxItemised caps per-value messages for outliers and non-numeric values.
const maxItemised = 3

// Classify assigns a category to a sensor id.
func Classify(id string) Category {
	lower := strings.ToLower(id)
	for _, c := range categoryTokens {
		for _, tok := range c.tokens {
			if strings.Contains(lower, tok) {
				return c.category
			}
		}
	}
	return CategoryUnknown
}

// IsTemperature reports whether id matches the temperature heuristic.
func IsTemperature(id string) bool {
	return Classify(id) == CategoryTemperature
}

// Validator checks readings against fixed thresholds.
type Validator struct {
	cfg Config
	now func() time.Time
}

// New creates a Validator. Negative thresholds are configuration errors.
func New(cfg Config) (*Validator, error) {
	if cfg.MinSensorCount < 0 || cfg.MinCriticalSensors < 0 || cfg.GoodSensorCount < 0 {
		return nil, fmt.Errorf("%w: validation thresholds must not be negative", types.ErrInvalidConfig)
	}
	if cfg.MaxClockSkew < 0 {
		return nil, fmt.Errorf("%w: max clock skew must not be negative", types.ErrInvalidConfig)
	}
	return &Validator{cfg: cfg, now: time.Now}, nil
}

// SetClock overrides the time source used by the clock skew check.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// checkState collects findings of a single Check call.
type checkState struct {
	errors   []Message
	warnings []Message
}

func (s *checkState) errorf(format string, args ...any) {
	s.errors = append(s.errors, Message{SeverityError, fmt.Sprintf(format, args...)})
}

func (s *checkState) warnf(format string, args ...any) {
	s.warnings = append(s.warnings, Message{SeverityWarning, fmt.Sprintf(format, args...)})
}

// Check validates one reading. It never fails; the verdict carries the outcome.
func (v *Validator) Check(values *types.Values, ts time.Time) Verdict {
	st := &checkState{}

	v.checkCompleteness(st, values)
	v.checkCriticalSensors(st, values)
	v.checkRanges(st, values)
	v.checkNumeric(st, values)
	v.checkTimestamp(st, ts)

	msgs := make([]Message, 0, len(st.errors)+len(st.warnings))
	msgs = append(msgs, st.errors...)
	msgs = append(msgs, st.warnings...)
	return Verdict{Passed: len(st.errors) == 0, Messages: msgs}
}

func (v *Validator) checkCompleteness(st *checkState, values *types.Values) {
	n := values.Len()
	switch {
	case n == 0:
		st.errorf("no sensor data received")
	case n < v.cfg.MinSensorCount:
		st.errorf("insufficient sensor data: %d readings (minimum %d expected)", n, v.cfg.MinSensorCount)
	case n < v.cfg.GoodSensorCount:
		st.warnf("low sensor count: %d readings (a healthy controller reports %d+)", n, v.cfg.GoodSensorCount)
	}
}

func (v *Validator) checkCriticalSensors(st *checkState, values *types.Values) {
	var found []string
	for _, id := range values.Keys() {
		if IsTemperature(id) {
			found = append(found, id)
		}
	}
	if len(found) >= v.cfg.MinCriticalSensors {
		return
	}
	st.errorf("missing critical temperature sensors: found %d of %d required", len(found), v.cfg.MinCriticalSensors)
	if len(found) > 0 {
		sample := found
		if len(sample) > 5 {
			sample = sample[:5]
		}
		st.warnf("temperature-related sensors present: %s", strings.Join(sample, ", "))
	}
}

func (v *Validator) checkRanges(st *checkState, values *types.Values) {
	outliers, checked := 0, 0
	for _, f := range values.Fields() {
		if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			continue
		}
		checked++
		r, ok := ExpectedRanges[Classify(f.ID)]
		if !ok || (f.Value >= r.Min && f.Value <= r.Max) {
			continue
		}
		outliers++
		if outliers <= maxItemised {
			st.warnf("outlier value: %s=%g (expected %g to %g)", f.ID, f.Value, r.Min, r.Max)
		}
	}
	if outliers > 0 {
		st.warnf("found %d outlier values in %d sensors", outliers, checked)
	}
}

func (v *Validator) checkNumeric(st *checkState, values *types.Values) {
	bad := 0
	for _, f := range values.Fields() {
		if !math.IsNaN(f.Value) && !math.IsInf(f.Value, 0) {
			continue
		}
		bad++
		if bad <= maxItemised {
			st.warnf("non-numeric value: %s=%v", f.ID, f.Value)
		}
	}
	if bad > 0 {
		st.warnf("found %d non-numeric values", bad)
	}
}

func (v *Validator) checkTimestamp(st *checkState, ts time.Time) {
	now := v.now()
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > v.cfg.MaxClockSkew {
		st.warnf("large timestamp difference: %.0f seconds (current %s, data %s)",
			diff.Seconds(), now.Format(time.RFC3339), ts.Format(time.RFC3339))
	}
}
