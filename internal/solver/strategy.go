package solver

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/myogestic/myogestic/internal/conformal"
)

// Strategy is the aggregation policy applied over the window of prediction sets.
type Strategy string

const (
	// StrategyMode picks the class switched on most often across the window.
	StrategyMode Strategy = "mode"
	// StrategyWeightedMode weighs window rows geometrically from 0.05 (oldest) to 1 (current).
	StrategyWeightedMode Strategy = "weighted_mode"
	// StrategySetWeighting weighs rows linearly from 0.3 to 1 and divides each
	// past row by its cardinality, so large sets count less per member.
	StrategySetWeighting Strategy = "set_weighting"
)

// ParseStrategy maps a solver strategy name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(name))); s {
	case StrategyMode, StrategyWeightedMode, StrategySetWeighting:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, name)
	}
}

const (
	weightedModeStart = 0.05
	setWeightingStart = 0.3
)

// aggregate resolves a window (oldest first, current last) of at least two
// sets into a class index. Ties resolve to the lowest class index.
func aggregate(strategy Strategy, window []conformal.PredictionSet) int {
	classes := len(window[len(window)-1])
	scores := make([]float64, classes)

	switch strategy {
	case StrategyWeightedMode:
		weights := floats.LogSpan(make([]float64, len(window)), weightedModeStart, 1)
		for i, set := range window {
			addRow(scores, set, weights[i])
		}
	case StrategySetWeighting:
		weights := floats.Span(make([]float64, len(window)), setWeightingStart, 1)
		last := len(window) - 1
		for i, set := range window[:last] {
			addRow(scores, set, weights[i]/math.Max(float64(set.Size()), 1))
		}
		addRow(scores, window[last], 1)
	default:
		for _, set := range window {
			addRow(scores, set, 1)
		}
	}

	if floats.Sum(scores) == 0 {
		return Unsolved
	}
	return floats.MaxIdx(scores)
}

func addRow(scores []float64, set conformal.PredictionSet, w float64) {
	for c, in := range set {
		if in && c < len(scores) {
			scores[c] += w
		}
	}
}

// labelMode returns the most frequent label, the lowest one on ties.
func labelMode(labels []int) int {
	counts := make(map[int]int, len(labels))
	best, bestCount := Unsolved, 0
	for _, l := range labels {
		counts[l]++
	}
	for l, n := range counts {
		if n > bestCount || (n == bestCount && l < best) {
			best, bestCount = l, n
		}
	}
	return best
}
