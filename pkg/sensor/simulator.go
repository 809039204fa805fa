package sensor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/vjranagit/luxlogger/pkg/types"
)

// DefaultSimulatedSensors matches the size of a real controller dump.
const DefaultSimulatedSensors = 600

// drifting is a temperature that wanders between lo and hi.
type drifting struct {
	id     string
	value  float64
	step   float64
	lo, hi float64
}

// Simulator produces heat pump readings without hardware. Temperatures
// drift between reads; the remaining ids are padded up to the configured
// sensor count.
type Simulator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	sensors int
	temps   []drifting
	fixed   []types.Field
}

// NewSimulator creates a Simulator exposing n sensors.
func NewSimulator(n int, seed int64) *Simulator {
	if n <= 0 {
		n = DefaultSimulatedSensors
	}
	rng := rand.New(rand.NewSource(seed))
	jitter := func(base, spread float64) float64 {
		return base + (rng.Float64()*2-1)*spread
	}
	return &Simulator{
		rng:     rng,
		sensors: n,
		temps: []drifting{
			{id: FlowTemperature, value: jitter(35, 2), step: 0.5, lo: 10, hi: 60},
			{id: ReturnTemperature, value: jitter(32, 2), step: 0.5, lo: 10, hi: 55},
			{id: StorageTemperature, value: jitter(45, 3), step: 0.3, lo: 20, hi: 65},
			{id: AmbientTemperature, value: jitter(15, 5), step: 0.2, lo: -20, hi: 40},
			{id: HeatSourceTemperature, value: jitter(25, 2), step: 0.2, lo: 0, hi: 40},
			{id: HotWaterTemperature, value: jitter(40, 2), step: 0.2, lo: 30, hi: 55},
		},
		fixed: []types.Field{
			{ID: PumpActive, Value: 1},
			{ID: HeatingActive, Value: 1},
			{ID: HotWaterActive, Value: 0},
			{ID: ErrorState, Value: 0},
			{ID: "calculations.ID_WEB_Adapterstatus", Value: 1},
			{ID: "parameters.ID_WEB_Temperatur_TVL_Soll", Value: 35},
			{ID: "parameters.ID_WEB_Temperatur_TRL_Soll", Value: 32},
			{ID: "parameters.ID_WEB_Speicher_Soll", Value: 45},
			{ID: "parameters.ID_WEB_Temperatur_TA_Einfluss", Value: 0.5},
			{ID: "parameters.ID_WEB_Heizungstemp_Max", Value: 60},
			{ID: "parameters.ID_WEB_Heizungstemp_Min", Value: 20},
			{ID: "parameters.ID_WEB_Pumpenstatus", Value: 1},
			{ID: "visibilities.ID_WEB_Vis_Temp_Vorlauf", Value: 1},
			{ID: "visibilities.ID_WEB_Vis_Temp_Ruecklauf", Value: 1},
			{ID: "visibilities.ID_WEB_Vis_Temp_Speicher", Value: 1},
			{ID: "visibilities.ID_WEB_Vis_Temp_Aussen", Value: 1},
			{ID: "visibilities.ID_WEB_Vis_Temp_Brauchwasser", Value: 1},
		},
	}
}

// Read returns the next simulated snapshot.
func (s *Simulator) Read(ctx context.Context) (*types.Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAcquisition, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := types.NewValues(s.sensors)
	for i := range s.temps {
		t := &s.temps[i]
		t.value += (s.rng.Float64()*2 - 1) * t.step
		t.value = min(t.hi, max(t.lo, t.value))
		v.Set(t.id, t.value)
	}
	for _, f := range s.fixed {
		v.Set(f.ID, f.Value)
	}
	for i := 0; v.Len() < s.sensors; i++ {
		prefix := "calculations"
		switch i % 3 {
		case 1:
			prefix = "parameters"
		case 2:
			prefix = "visibilities"
		}
		v.Set(fmt.Sprintf("%s.ID_WEB_Wert_%03d", prefix, i), float64(s.rng.Intn(5)))
	}
	return v, nil
}
