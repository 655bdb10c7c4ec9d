package conformal

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticData draws n samples over the given class count. The true class
// gets a boosted logit so the classifier is informative but imperfect.
func syntheticData(rng *rand.Rand, n, classes int, boost float64) ([][]float64, []int) {
	probs := make([][]float64, n)
	labels := make([]int, n)
	for i := range probs {
		y := rng.Intn(classes)
		logits := make([]float64, classes)
		for c := range logits {
			logits[c] = rng.NormFloat64()
		}
		logits[y] += boost
		probs[i] = softmax(logits)
		labels[i] = y
	}
	return probs, labels
}

func softmax(logits []float64) []float64 {
	maxV := math.Inf(-1)
	for _, v := range logits {
		maxV = math.Max(maxV, v)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func restored(t *testing.T, algo Algorithm, qhat float64, reg []float64, classes int) *Calibrator {
	t.Helper()
	c, err := Restore(Snapshot{Algorithm: algo, Alpha: 0.1, QHat: qhat, RegVec: reg, Calibrated: true, Classes: classes})
	require.NoError(t, err)
	return c
}

func TestQuantileLevel(t *testing.T) {
	assert.InDelta(t, 0.91, QuantileLevel(100, 0.1), 1e-12)
	assert.InDelta(t, 0.82, QuantileLevel(50, 0.2), 1e-12)
	assert.InDelta(t, 1.2, QuantileLevel(5, 0.1), 1e-12)
}

func TestQuantileHigher_MatchesSortAndIndex(t *testing.T) {
	tests := []struct {
		n       int
		alpha   float64
		wantIdx int
	}{
		{n: 100, alpha: 0.1, wantIdx: 91}, // level 0.91, position 90.09
		{n: 10, alpha: 0.2, wantIdx: 9},   // level 0.9, position 8.1
		{n: 50, alpha: 0.2, wantIdx: 41},  // level 0.82, position 40.18
		{n: 20, alpha: 0.5, wantIdx: 11},  // level 0.55, position 10.45
		{n: 5, alpha: 0.1, wantIdx: 4},    // level 1.2 clamps to the maximum
	}

	rng := rand.New(rand.NewSource(7))
	for _, tt := range tests {
		scores := make([]float64, tt.n)
		for i := range scores {
			scores[i] = float64(i*i) / 7
		}
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		rng.Shuffle(len(scores), func(i, j int) { scores[i], scores[j] = scores[j], scores[i] })

		got := QuantileHigher(scores, QuantileLevel(tt.n, tt.alpha))
		assert.Equal(t, sorted[tt.wantIdx], got, "n=%d alpha=%.2f", tt.n, tt.alpha)
	}
}

func TestQuantileHigher_NeverInterpolates(t *testing.T) {
	scores := []float64{0.1, 0.4, 0.2, 0.3}
	for _, q := range []float64{0, 0.1, 0.33, 0.5, 0.77, 1} {
		got := QuantileHigher(scores, q)
		assert.Contains(t, scores, got)
	}
	assert.True(t, math.IsNaN(QuantileHigher(nil, 0.5)))
}

func TestCalibrate_QHatEqualsCorrectedQuantile(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	probs, labels := syntheticData(rng, 100, 4, 2)

	for _, algo := range Algorithms() {
		t.Run(string(algo), func(t *testing.T) {
			c, err := New(string(algo), 0.1)
			require.NoError(t, err)
			require.NoError(t, c.Calibrate(probs, labels))

			scores := make([]float64, len(probs))
			for i := range probs {
				scores[i], err = c.Score(probs[i], labels[i])
				require.NoError(t, err)
			}
			sort.Float64s(scores)
			assert.Equal(t, scores[91], c.QHat())
		})
	}
}

func TestScores(t *testing.T) {
	p := []float64{0.1, 0.6, 0.3}

	lac := restored(t, LAC, 0.5, nil, 3)
	s, err := lac.Score(p, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, s, 1e-12)

	aps := restored(t, APS, 0.5, nil, 3)
	s, err = aps.Score(p, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, s, 1e-12) // 0.6 + 0.3

	raps := restored(t, RAPS, 0.5, []float64{0, 0, 0.06}, 3)
	s, err = raps.Score(p, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.06, s, 1e-12) // 0.6 + 0.3 + (0.1 + 0.06)
}

func TestPredict_LAC(t *testing.T) {
	tests := []struct {
		qhat float64
		p    []float64
		want []int
	}{
		{qhat: 0.3, p: []float64{0.6, 0.35, 0.05}, want: []int{0, 1}},
		{qhat: 0.3, p: []float64{0.3, 0.29, 0.41}, want: []int{0, 2}}, // boundary is inclusive
		{qhat: 0.7, p: []float64{0.6, 0.35, 0.05}, want: []int{}},
		{qhat: 0.2, p: []float64{0.85, 0.1, 0.05}, want: []int{0}},
		{qhat: 0.1, p: []float64{0.45, 0.45, 0.1}, want: []int{0, 1, 2}},
	}
	for _, tt := range tests {
		c := restored(t, LAC, tt.qhat, nil, 3)
		set, err := c.Predict(tt.p)
		require.NoError(t, err)
		assert.Equal(t, tt.want, set.Members(), "qhat=%.2f p=%v", tt.qhat, tt.p)
	}
}

func TestPredict_APSBoundary(t *testing.T) {
	p := []float64{0.1, 0.6, 0.3}
	tests := []struct {
		qhat float64
		want []int
	}{
		{qhat: 0.5, want: []int{1}},        // first rank already exceeds qhat
		{qhat: 0.7, want: []int{1, 2}},     // second rank crosses, inclusive
		{qhat: 0.95, want: []int{0, 1, 2}}, // third rank crosses
		{qhat: 1.5, want: []int{0, 1, 2}},  // nothing crosses: full set
	}
	for _, tt := range tests {
		c := restored(t, APS, tt.qhat, nil, 3)
		set, err := c.Predict(p)
		require.NoError(t, err)
		assert.Equal(t, tt.want, set.Members(), "qhat=%.2f", tt.qhat)
	}
}

func TestPredict_RAPSUsesPenalty(t *testing.T) {
	p := []float64{0.5, 0.3, 0.2, 0.0}
	aps := restored(t, APS, 0.85, nil, 4)
	raps := restored(t, RAPS, 0.85, []float64{0, 0, 0.5, 0.5}, 4)

	apsSet, err := aps.Predict(p)
	require.NoError(t, err)
	rapsSet, err := raps.Predict(p)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, apsSet.Members())
	assert.Equal(t, []int{0, 1, 2}, rapsSet.Members())

	// With a penalty already on rank 1, the set stops earlier.
	raps = restored(t, RAPS, 0.85, []float64{0, 0.2, 0.5, 0.5}, 4)
	rapsSet, err = raps.Predict(p)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, rapsSet.Members())
}

func TestRAPSRegVec(t *testing.T) {
	c, err := New("RAPS", 0.2)
	require.NoError(t, err)
	probs := [][]float64{{0.7, 0.1, 0.1, 0.1}, {0.1, 0.7, 0.1, 0.1}}
	require.NoError(t, c.Calibrate(probs, []int{0, 1}))
	assert.Equal(t, []float64{0, 0, 0.06, 0.06}, c.RegVec())

	aps, err := New("APS", 0.2)
	require.NoError(t, err)
	require.NoError(t, aps.Calibrate(probs, []int{0, 1}))
	assert.Nil(t, aps.RegVec())
}

func TestRAPSReducesToAPS(t *testing.T) {
	const classes = 5
	rng := rand.New(rand.NewSource(3))
	probs, labels := syntheticData(rng, 200, classes, 1.5)

	aps, err := New("APS", 0.1)
	require.NoError(t, err)
	raps, err := New("RAPS", 0.1, WithRegularization(classes, 0))
	require.NoError(t, err)
	require.NoError(t, aps.Calibrate(probs, labels))
	require.NoError(t, raps.Calibrate(probs, labels))

	assert.Equal(t, aps.QHat(), raps.QHat())

	queries, _ := syntheticData(rng, 50, classes, 1.5)
	apsSets, err := aps.PredictBatch(queries)
	require.NoError(t, err)
	rapsSets, err := raps.PredictBatch(queries)
	require.NoError(t, err)
	assert.Equal(t, apsSets, rapsSets)
}

func TestLACMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	c := restored(t, LAC, 0.7, nil, 4)

	for i := 0; i < 200; i++ {
		p := make([]float64, 4)
		for j := range p {
			p[j] = rng.Float64()
		}
		before, err := c.Predict(p)
		require.NoError(t, err)

		bumped := append([]float64(nil), p...)
		k := rng.Intn(4)
		bumped[k] = math.Min(1, bumped[k]+rng.Float64())
		after, err := c.Predict(bumped)
		require.NoError(t, err)

		for cls := range p {
			if cls == k {
				assert.True(t, !before[cls] || after[cls], "class %d dropped after its own increase", cls)
				continue
			}
			assert.Equal(t, before[cls], after[cls], "class %d changed when class %d was bumped", cls, k)
		}
	}
}

func TestAdaptiveSetsNeverEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	probs, labels := syntheticData(rng, 300, 6, 1)
	queries, _ := syntheticData(rng, 300, 6, 0)

	for _, algo := range []Algorithm{APS, RAPS} {
		c, err := New(string(algo), 0.3)
		require.NoError(t, err)
		require.NoError(t, c.Calibrate(probs, labels))

		sets, err := c.PredictBatch(queries)
		require.NoError(t, err)
		for i, set := range sets {
			require.False(t, set.Empty(), "%s produced an empty set for row %d", algo, i)
			top := descending(queries[i])[0]
			assert.True(t, set.Contains(top), "%s dropped the top class for row %d", algo, i)
		}
	}
}

func TestCoverage(t *testing.T) {
	const alpha = 0.1
	rng := rand.New(rand.NewSource(42))
	probs, labels := syntheticData(rng, 2000, 4, 2)
	calibP, calibY := probs[:1000], labels[:1000]
	testP, testY := probs[1000:], labels[1000:]

	for _, algo := range []Algorithm{APS, RAPS} {
		t.Run(string(algo), func(t *testing.T) {
			assertCoverage(t, algo, alpha, calibP, calibY, testP, testY)
		})
	}

	// LAC thresholds the class probability itself, so its guarantee needs
	// true-class mass of at least 1-qhat; a confident classifier provides it.
	t.Run("LAC", func(t *testing.T) {
		probs, labels := confidentData(rng, 2000, 4)
		assertCoverage(t, LAC, alpha, probs[:1000], labels[:1000], probs[1000:], labels[1000:])
	})
}

func assertCoverage(t *testing.T, algo Algorithm, alpha float64, calibP [][]float64, calibY []int, testP [][]float64, testY []int) {
	t.Helper()
	c, err := New(string(algo), alpha)
	require.NoError(t, err)
	require.NoError(t, c.Calibrate(calibP, calibY))

	sets, err := c.PredictBatch(testP)
	require.NoError(t, err)

	monitor := NewCoverageMonitor(len(sets))
	for i, set := range sets {
		monitor.Observe(set, testY[i])
	}
	coverage, n := monitor.Coverage()
	assert.Equal(t, len(testY), n)
	assert.GreaterOrEqual(t, coverage, 1-alpha-0.03, "%s coverage %.3f", algo, coverage)
}

// confidentData puts between 0.5 and 0.95 on the true class and spreads the
// rest at random over the others.
func confidentData(rng *rand.Rand, n, classes int) ([][]float64, []int) {
	probs := make([][]float64, n)
	labels := make([]int, n)
	for i := range probs {
		y := rng.Intn(classes)
		top := 0.5 + 0.45*rng.Float64()
		rest := make([]float64, classes)
		var sum float64
		for c := range rest {
			if c != y {
				rest[c] = rng.Float64()
				sum += rest[c]
			}
		}
		for c := range rest {
			rest[c] *= (1 - top) / sum
		}
		rest[y] = top
		probs[i] = rest
		labels[i] = y
	}
	return probs, labels
}

func TestErrors(t *testing.T) {
	_, err := New("TOP-K", 0.1)
	assert.True(t, errors.Is(err, ErrInvalidAlgorithm))

	_, err = New("LAC", 1.0)
	assert.True(t, errors.Is(err, ErrInvalidAlpha))

	c, err := New("lac", 0.1)
	require.NoError(t, err)
	assert.Equal(t, LAC, c.Algorithm())

	_, err = c.Predict([]float64{0.5, 0.5})
	assert.True(t, errors.Is(err, ErrNotCalibrated))
	_, err = c.PredictBatch([][]float64{{0.5, 0.5}})
	assert.True(t, errors.Is(err, ErrNotCalibrated))
	assert.True(t, math.IsNaN(c.QHat()))

	err = c.Calibrate([][]float64{{0.5, 0.5}}, []int{0, 1})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	assert.False(t, c.Calibrated())

	err = c.Calibrate([][]float64{{0.5, 0.5}, {0.2, 0.3, 0.5}}, []int{0, 1})
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	err = c.Calibrate([][]float64{{0.5, 0.5}}, []int{2})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	assert.False(t, c.Calibrated())

	assert.True(t, errors.Is(c.Calibrate(nil, nil), ErrEmptyCalibration))

	require.NoError(t, c.Calibrate([][]float64{{0.8, 0.2}, {0.3, 0.7}}, []int{0, 1}))
	_, err = c.Predict([]float64{0.2, 0.3, 0.5})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}
