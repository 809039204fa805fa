// Package sensor acquires readings from the heat pump. The core only sees
// the Reader interface; retries, the simulator and the HTTP bridge live here.
package sensor

import (
	"context"

	"github.com/vjranagit/luxlogger/pkg/types"
)

// Reader returns one snapshot of every sensor the heat pump exposes.
// Failures wrap types.ErrAcquisition.
type Reader interface {
	Read(ctx context.Context) (*types.Values, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context) (*types.Values, error)

// Read calls f.
func (f ReaderFunc) Read(ctx context.Context) (*types.Values, error) {
	return f(ctx)
}

// Well-known heat pump sensor ids.
const (
	FlowTemperature       = "calculations.ID_WEB_Temperatur_TVL"
	ReturnTemperature     = "calculations.ID_WEB_Temperatur_TRL"
	AmbientTemperature    = "calculations.ID_WEB_Temperatur_TA"
	HotWaterTemperature   = "calculations.ID_WEB_Temperatur_TBW"
	StorageTemperature    = "calculations.ID_WEB_Speicheristtemp"
	HeatSourceTemperature = "calculations.ID_WEB_Temperatur_THG"
	PumpActive            = "calculations.ID_WEB_Zustand_Pumpe"
	HeatingActive         = "calculations.ID_WEB_Zustand_HZ"
	HotWaterActive        = "calculations.ID_WEB_Zustand_BW"
	ErrorState            = "calculations.ID_WEB_ErrorState"
)
