package conformal

import "errors"

var (
	ErrInvalidAlgorithm = errors.New("invalid calibration algorithm")
	ErrInvalidAlpha     = errors.New("alpha must be in (0, 1)")
	ErrShapeMismatch    = errors.New("shape mismatch")
	ErrEmptyCalibration = errors.New("calibration set is empty")
	ErrNotCalibrated    = errors.New("conformal predictor must be calibrated before prediction")
	ErrCorruptSnapshot  = errors.New("corrupt calibrator snapshot")
)
