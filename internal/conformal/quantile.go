package conformal

import (
	"math"
	"sort"
)

// QuantileLevel returns the split-conformal corrected level ceil((n+1)(1-alpha))/n.
func QuantileLevel(n int, alpha float64) float64 {
	return math.Ceil(float64(n+1)*(1-alpha)) / float64(n)
}

// QuantileHigher returns the empirical quantile of scores at level q using
// "higher" interpolation: the order statistic at ceil(q*(n-1)). Levels outside
// [0, 1] are clamped, so a level above 1 yields the largest score.
func QuantileHigher(scores []float64, q float64) float64 {
	n := len(scores)
	if n == 0 {
		return math.NaN()
	}

	sorted := make([]float64, n)
	copy(sorted, scores)
	sort.Float64s(sorted)

	idx := int(math.Ceil(q * float64(n-1)))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
