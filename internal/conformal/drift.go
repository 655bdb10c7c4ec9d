package conformal

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// minDriftSamples is the smallest sample on either side of the KS test.
const minDriftSamples = 30

// DriftDetector holds a sliding sample of online nonconformity scores and
// tests it against the calibration scores. The coverage guarantee assumes
// both come from one distribution; a rejected KS test means qhat is stale.
type DriftDetector struct {
	window    []float64
	capacity  int
	threshold float64 // D above which recalibration is recommended
}

// NewDriftDetector keeps the last capacity scores. Out-of-range arguments
// fall back to 100 scores and a threshold of 0.1.
func NewDriftDetector(capacity int, threshold float64) *DriftDetector {
	if capacity <= 0 {
		capacity = 100
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.1
	}
	return &DriftDetector{
		window:    make([]float64, 0, capacity),
		capacity:  capacity,
		threshold: threshold,
	}
}

// AddScore appends one score, dropping the oldest once full.
func (dd *DriftDetector) AddScore(score float64) {
	if len(dd.window) == dd.capacity {
		copy(dd.window, dd.window[1:])
		dd.window = dd.window[:dd.capacity-1]
	}
	dd.window = append(dd.window, score)
}

func (dd *DriftDetector) Len() int { return len(dd.window) }

// DetectDrift compares recent scores with the calibration scores using a
// two-sample KS test at the 5% level. It returns (drifted, D, p-value, error).
func (dd *DriftDetector) DetectDrift(calibScores []float64) (bool, float64, float64, error) {
	if len(dd.window) < minDriftSamples {
		return false, 0, 1, fmt.Errorf("%d online scores, need %d", len(dd.window), minDriftSamples)
	}
	if len(calibScores) < minDriftSamples {
		return false, 0, 1, fmt.Errorf("%d calibration scores, need %d", len(calibScores), minDriftSamples)
	}

	recent, calib := sortedCopy(dd.window), sortedCopy(calibScores)
	d := stat.KolmogorovSmirnov(recent, nil, calib, nil)

	n, m := float64(len(recent)), float64(len(calib))
	pValue := kolmogorovSurvival(math.Sqrt(n*m/(n+m)) * d)
	return pValue < 0.05, d, pValue, nil
}

func sortedCopy(x []float64) []float64 {
	out := append([]float64(nil), x...)
	sort.Float64s(out)
	return out
}

// kolmogorovSurvival is the asymptotic P(K > lambda) of the Kolmogorov
// distribution, 2 * sum_{k>=1} (-1)^(k-1) exp(-2 k^2 lambda^2).
// Below lambda 0.2 the series is numerically useless and the probability
// is 1 to six digits.
func kolmogorovSurvival(lambda float64) float64 {
	if lambda < 0.2 {
		return 1
	}
	var sum float64
	sign := 1.0
	for k := 1; k <= 100; k++ {
		term := math.Exp(-2 * float64(k*k) * lambda * lambda)
		sum += sign * term
		if term < 1e-16 {
			break
		}
		sign = -sign
	}
	return math.Min(1, math.Max(0, 2*sum))
}

// DriftReport is the outcome of one drift check.
type DriftReport struct {
	Drifted          bool    `json:"drifted"`
	KSStatistic      float64 `json:"ks_statistic"`
	PValue           float64 `json:"p_value"`
	RecentN          int     `json:"recent_n"`
	CalibrationN     int     `json:"calibration_n"`
	RecommendRecalib bool    `json:"recommend_recalibration"`
	Message          string  `json:"message"`
}

// CheckDrift is DetectDrift folded into a report. Too few scores on either
// side yield a report with the reason in Message and Drifted unset.
func (dd *DriftDetector) CheckDrift(calibScores []float64) DriftReport {
	r := DriftReport{RecentN: len(dd.window), CalibrationN: len(calibScores)}

	drifted, d, p, err := dd.DetectDrift(calibScores)
	if err != nil {
		r.Message = "drift check skipped: " + err.Error()
		return r
	}
	r.Drifted, r.KSStatistic, r.PValue = drifted, d, p
	r.RecommendRecalib = drifted || d > dd.threshold

	switch {
	case drifted:
		r.Message = fmt.Sprintf("nonconformity scores drifted (KS p=%.4f), recalibrate", p)
	case r.RecommendRecalib:
		r.Message = fmt.Sprintf("KS distance %.4f above %.2f, consider recalibration", d, dd.threshold)
	default:
		r.Message = "no significant drift"
	}
	return r
}

// Reset forgets every online score, typically after recalibration.
func (dd *DriftDetector) Reset() { dd.window = dd.window[:0] }

// CoverageMonitor tracks whether the true label of labelled online samples
// fell inside the prediction set, to compare empirical coverage with 1-alpha.
type CoverageMonitor struct {
	recent []bool // true = covered
	max    int
}

// NewCoverageMonitor creates a monitor over the last maxObservations samples.
func NewCoverageMonitor(maxObservations int) *CoverageMonitor {
	if maxObservations <= 0 {
		maxObservations = 1000
	}
	return &CoverageMonitor{
		recent: make([]bool, 0, maxObservations),
		max:    maxObservations,
	}
}

// Observe records whether set contains label.
func (cm *CoverageMonitor) Observe(set PredictionSet, label int) bool {
	covered := set.Contains(label)
	cm.recent = append(cm.recent, covered)
	if len(cm.recent) > cm.max {
		cm.recent = cm.recent[1:]
	}
	return covered
}

// Coverage returns the empirical coverage and the number of observations.
func (cm *CoverageMonitor) Coverage() (float64, int) {
	if len(cm.recent) == 0 {
		return 0, 0
	}
	covered := 0
	for _, c := range cm.recent {
		if c {
			covered++
		}
	}
	return float64(covered) / float64(len(cm.recent)), len(cm.recent)
}

// CheckCoverage compares empirical miscoverage with alpha, allowing 50%
// relative error or three binomial standard errors, whichever is larger.
// Over-coverage is always acceptable.
// Returns (wellCalibrated, empiricalCoverage, n).
func (cm *CoverageMonitor) CheckCoverage(alpha float64) (bool, float64, int) {
	coverage, n := cm.Coverage()
	if n == 0 {
		return true, 0, 0
	}
	tolerance := math.Max(alpha*0.5, 3*math.Sqrt(alpha*(1-alpha)/float64(n)))
	return (1-coverage)-alpha <= tolerance, coverage, n
}

// Reset clears all observations (e.g., after recalibration).
func (cm *CoverageMonitor) Reset() {
	cm.recent = cm.recent[:0]
}
