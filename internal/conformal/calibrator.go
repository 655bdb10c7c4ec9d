package conformal

import (
	"fmt"
	"math"
)

// Calibrator converts classifier scores into prediction sets with a
// distribution-free coverage guarantee of 1-alpha under exchangeability.
//
// A Calibrator is built uncalibrated, calibrated exactly once, and immutable
// afterwards. Predict may then be called concurrently.
type Calibrator struct {
	algorithm Algorithm
	rule      rule
	alpha     float64
	regK      int
	regLambda float64

	qhat       float64
	regVec     []float64
	classes    int
	scores     []float64 // calibration scores, retained for drift checks
	calibrated bool
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithRegularization overrides the RAPS rank penalty: zero for the first k
// ranks, lambda for every later rank. Ignored by LAC and APS.
func WithRegularization(k int, lambda float64) Option {
	return func(c *Calibrator) {
		c.regK = k
		c.regLambda = lambda
	}
}

// New creates an uncalibrated Calibrator for the named algorithm.
func New(name string, alpha float64, opts ...Option) (*Calibrator, error) {
	algo, err := ParseAlgorithm(name)
	if err != nil {
		return nil, err
	}
	if !(alpha > 0 && alpha < 1) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidAlpha, alpha)
	}

	c := &Calibrator{
		algorithm: algo,
		rule:      algo.rule(),
		alpha:     alpha,
		regK:      DefaultRegK,
		regLambda: DefaultRegLambda,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.regK < 0 || c.regLambda < 0 || math.IsNaN(c.regLambda) {
		return nil, fmt.Errorf("invalid RAPS regularization k=%d lambda=%v", c.regK, c.regLambda)
	}
	return c, nil
}

// Calibrate computes qhat from calibration scores and their true labels.
// On error the Calibrator is left untouched.
func (c *Calibrator) Calibrate(probs [][]float64, labels []int) error {
	if len(probs) != len(labels) {
		return fmt.Errorf("%w: calibration data and labels must have same length: %d != %d",
			ErrShapeMismatch, len(probs), len(labels))
	}
	n := len(probs)
	if n == 0 {
		return ErrEmptyCalibration
	}

	classes := len(probs[0])
	if classes == 0 {
		return fmt.Errorf("%w: probability vectors are empty", ErrShapeMismatch)
	}
	for i, p := range probs {
		if len(p) != classes {
			return fmt.Errorf("%w: row %d has %d classes, want %d", ErrShapeMismatch, i, len(p), classes)
		}
		if labels[i] < 0 || labels[i] >= classes {
			return fmt.Errorf("%w: label %d at row %d outside [0, %d)", ErrShapeMismatch, labels[i], i, classes)
		}
	}

	reg := c.algorithm.penalty(classes, c.regK, c.regLambda)

	scores := make([]float64, n)
	for i, p := range probs {
		scores[i] = c.rule.score(p, labels[i], reg)
	}

	c.qhat = QuantileHigher(scores, QuantileLevel(n, c.alpha))
	c.regVec = reg
	c.classes = classes
	c.scores = scores
	c.calibrated = true
	return nil
}

// Predict returns the prediction set for a single probability vector.
func (c *Calibrator) Predict(p []float64) (PredictionSet, error) {
	if !c.calibrated {
		return nil, ErrNotCalibrated
	}
	if err := c.checkWidth(p); err != nil {
		return nil, err
	}
	return c.rule.include(p, c.qhat, c.regVec), nil
}

// PredictBatch returns one prediction set per probability vector.
func (c *Calibrator) PredictBatch(probs [][]float64) ([]PredictionSet, error) {
	if !c.calibrated {
		return nil, ErrNotCalibrated
	}
	out := make([]PredictionSet, len(probs))
	for i, p := range probs {
		if err := c.checkWidth(p); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = c.rule.include(p, c.qhat, c.regVec)
	}
	return out, nil
}

// Score returns the nonconformity score of one labelled observation under the
// calibrated rule.
func (c *Calibrator) Score(p []float64, label int) (float64, error) {
	if !c.calibrated {
		return 0, ErrNotCalibrated
	}
	if err := c.checkWidth(p); err != nil {
		return 0, err
	}
	if label < 0 || label >= len(p) {
		return 0, fmt.Errorf("%w: label %d outside [0, %d)", ErrShapeMismatch, label, len(p))
	}
	return c.rule.score(p, label, c.regVec), nil
}

func (c *Calibrator) checkWidth(p []float64) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty probability vector", ErrShapeMismatch)
	}
	// Snapshots from LAC/APS calibrations may not record the class count.
	if c.classes > 0 && len(p) != c.classes {
		return fmt.Errorf("%w: got %d classes, calibrated on %d", ErrShapeMismatch, len(p), c.classes)
	}
	return nil
}

func (c *Calibrator) Algorithm() Algorithm { return c.algorithm }
func (c *Calibrator) Alpha() float64       { return c.alpha }
func (c *Calibrator) Calibrated() bool     { return c.calibrated }
func (c *Calibrator) Classes() int         { return c.classes }

// QHat returns the calibrated threshold; NaN before calibration.
func (c *Calibrator) QHat() float64 {
	if !c.calibrated {
		return math.NaN()
	}
	return c.qhat
}

// RegVec returns a copy of the RAPS penalty vector, nil for other algorithms.
func (c *Calibrator) RegVec() []float64 {
	if c.regVec == nil {
		return nil
	}
	out := make([]float64, len(c.regVec))
	copy(out, c.regVec)
	return out
}

// CalibrationScores returns a copy of the scores qhat was computed from.
func (c *Calibrator) CalibrationScores() []float64 {
	out := make([]float64, len(c.scores))
	copy(out, c.scores)
	return out
}
