package conformal

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Algorithm selects the nonconformity score and the prediction-set rule.
type Algorithm string

const (
	LAC  Algorithm = "LAC"  // Least Ambiguous set-valued Classifier
	APS  Algorithm = "APS"  // Adaptive Prediction Sets
	RAPS Algorithm = "RAPS" // Regularized Adaptive Prediction Sets
)

// Default RAPS regularization: no penalty on the first two ranks, 0.06 afterwards.
const (
	DefaultRegK      = 2
	DefaultRegLambda = 0.06
)

// ParseAlgorithm maps a calibrator name to an Algorithm. Matching ignores case
// and surrounding whitespace.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToUpper(strings.TrimSpace(name))); a {
	case LAC, APS, RAPS:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAlgorithm, name)
	}
}

// Algorithms lists the supported algorithms in a stable order.
func Algorithms() []Algorithm {
	return []Algorithm{LAC, APS, RAPS}
}

func (a Algorithm) String() string { return string(a) }

// rule is the per-algorithm pair of calibration score and set construction.
// reg is the rank penalty vector; nil means no penalty.
type rule interface {
	score(p []float64, label int, reg []float64) float64
	include(p []float64, qhat float64, reg []float64) PredictionSet
}

func (a Algorithm) rule() rule {
	switch a {
	case LAC:
		return lacRule{}
	default:
		// APS and RAPS share the cumulative-mass rule; RAPS adds the penalty vector.
		return cumulativeRule{}
	}
}

// penalty returns the RAPS rank penalty vector for the given class count, or
// nil for algorithms that do not regularize.
func (a Algorithm) penalty(classes, k int, lambda float64) []float64 {
	if a != RAPS {
		return nil
	}
	reg := make([]float64, classes)
	for i := range reg {
		if i >= k {
			reg[i] = lambda
		}
	}
	return reg
}

type lacRule struct{}

func (lacRule) score(p []float64, label int, _ []float64) float64 {
	return 1 - p[label]
}

// include keeps every class whose probability reaches qhat.
func (lacRule) include(p []float64, qhat float64, _ []float64) PredictionSet {
	set := make(PredictionSet, len(p))
	for c, v := range p {
		set[c] = v >= qhat
	}
	return set
}

type cumulativeRule struct{}

func (cumulativeRule) score(p []float64, label int, reg []float64) float64 {
	order := descending(p)
	cum := cumulativeMass(p, order, reg)
	for rank, c := range order {
		if c == label {
			return cum[rank]
		}
	}
	return cum[len(cum)-1]
}

// include walks classes by decreasing score and stops at the first rank whose
// cumulative mass exceeds qhat, inclusive. If no rank does, every class is kept.
func (cumulativeRule) include(p []float64, qhat float64, reg []float64) PredictionSet {
	order := descending(p)
	cum := cumulativeMass(p, order, reg)

	last := len(order) - 1
	for rank, v := range cum {
		if v > qhat {
			last = rank
			break
		}
	}

	set := make(PredictionSet, len(p))
	for _, c := range order[:last+1] {
		set[c] = true
	}
	return set
}

// descending returns class indices ordered by decreasing score. Equal scores
// keep the lower class index first.
func descending(p []float64) []int {
	order := make([]int, len(p))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return p[order[i]] > p[order[j]]
	})
	return order
}

// cumulativeMass sums the rank-ordered scores plus the rank penalty.
func cumulativeMass(p []float64, order []int, reg []float64) []float64 {
	sorted := make([]float64, len(order))
	for rank, c := range order {
		sorted[rank] = p[c]
		if reg != nil {
			sorted[rank] += reg[rank]
		}
	}
	return floats.CumSum(make([]float64, len(sorted)), sorted)
}
