package solver

import "errors"

// Unsolved is returned when no label can be resolved and no fallback exists.
// It is a normal outcome, not an error.
const Unsolved = -1

var (
	ErrInvalidConfig = errors.New("invalid solver config")
	ErrWrongMode     = errors.New("operation not available in this solver mode")
	ErrInvalidSet    = errors.New("invalid prediction set")

	// ErrStaleFallback means the accepted-label fallback was needed but its
	// newest entry is older than the configured timeout. Prediction quality
	// has degraded and the model should be retrained or recalibrated.
	ErrStaleFallback = errors.New("last accepted labels too old, consider retraining")
)
