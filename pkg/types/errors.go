package types

import "errors"

// Error taxonomy shared by every component. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrAcquisition means the sensor read failed; the run is skipped.
	ErrAcquisition = errors.New("sensor acquisition failed")

	// ErrValidationRejected means a reading was received but disqualified.
	ErrValidationRejected = errors.New("reading rejected by validation")

	// ErrStorageUnavailable means the durable backing cannot be reached.
	// Buffered points are retained for the next flush.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPartialPersist means some buffered points could not be persisted
	// while the backing itself was reachable. Those points are dropped.
	ErrPartialPersist = errors.New("partial persist failure")

	// ErrInvalidConfig marks fatal configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
)
