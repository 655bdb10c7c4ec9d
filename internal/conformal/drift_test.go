package conformal

import (
	"math"
	"math/rand"
	"testing"
)

func TestDriftDetector_SameDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	calib := make([]float64, 500)
	for i := range calib {
		calib[i] = rng.Float64()
	}

	dd := NewDriftDetector(200, 0.1)
	for i := 0; i < 200; i++ {
		dd.AddScore(rng.Float64())
	}

	report := dd.CheckDrift(calib)
	if report.Drifted {
		t.Errorf("Expected no drift, got KS=%.3f p=%.4f", report.KSStatistic, report.PValue)
	}
	if report.RecentN != 200 || report.CalibrationN != 500 {
		t.Errorf("Unexpected sample sizes: recent=%d calib=%d", report.RecentN, report.CalibrationN)
	}
}

func TestDriftDetector_ShiftedScores(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	calib := make([]float64, 500)
	for i := range calib {
		calib[i] = rng.Float64() * 0.5
	}

	dd := NewDriftDetector(100, 0.1)
	for i := 0; i < 150; i++ {
		dd.AddScore(0.5 + rng.Float64()*0.5)
	}
	if dd.Len() != 100 {
		t.Fatalf("Expected 100 retained scores, got %d", dd.Len())
	}

	report := dd.CheckDrift(calib)
	if !report.Drifted || !report.RecommendRecalib {
		t.Errorf("Expected drift, got %+v", report)
	}

	dd.Reset()
	report = dd.CheckDrift(calib)
	if report.Drifted {
		t.Error("Expected drift check to be skipped after reset")
	}
}

func TestCoverageMonitor(t *testing.T) {
	cm := NewCoverageMonitor(10)
	set := NewPredictionSet(3, 0, 2)

	for i := 0; i < 20; i++ {
		label := 0
		if i%5 == 0 {
			label = 1
		}
		cm.Observe(set, label)
	}

	coverage, n := cm.Coverage()
	if n != 10 {
		t.Errorf("Expected 10 retained observations, got %d", n)
	}
	if coverage != 0.8 {
		t.Errorf("Expected coverage 0.8, got %.2f", coverage)
	}

	ok, _, _ := cm.CheckCoverage(0.2)
	if !ok {
		t.Error("Expected coverage 0.8 to satisfy alpha=0.2")
	}
	ok, _, _ = cm.CheckCoverage(0.01)
	if ok {
		t.Error("Expected coverage 0.8 to violate alpha=0.01")
	}
}

func TestKolmogorovSurvival(t *testing.T) {
	// 1.358 is the textbook 5% critical value of sqrt(nm/(n+m)) * D.
	if p := kolmogorovSurvival(1.358); math.Abs(p-0.05) > 0.002 {
		t.Errorf("Expected p near 0.05 at lambda 1.358, got %.5f", p)
	}
	if p := kolmogorovSurvival(0.1); p != 1 {
		t.Errorf("Expected p=1 for tiny lambda, got %v", p)
	}
	if p := kolmogorovSurvival(5); p > 1e-15 {
		t.Errorf("Expected vanishing p for large lambda, got %v", p)
	}
	prev := 1.0
	for lambda := 0.2; lambda < 3; lambda += 0.1 {
		p := kolmogorovSurvival(lambda)
		if p > prev {
			t.Fatalf("Survival increased at lambda %.1f: %v > %v", lambda, p, prev)
		}
		prev = p
	}
}

func TestDetectDrift_TiedSamples(t *testing.T) {
	calib := make([]float64, 50)
	for i := range calib {
		calib[i] = 0.2
	}

	dd := NewDriftDetector(30, 0.1)
	for i := 0; i < 30; i++ {
		dd.AddScore(0.15)
	}
	drifted, d, p, err := dd.DetectDrift(calib)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(d-1) > 1e-9 || !drifted || p > 1e-6 {
		t.Errorf("Expected disjoint samples to drift with D=1, got D=%v p=%v", d, p)
	}

	dd.Reset()
	for i := 0; i < 30; i++ {
		dd.AddScore(calib[i%len(calib)])
	}
	drifted, d, p, err = dd.DetectDrift(calib)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if d > 1e-9 || drifted || p != 1 {
		t.Errorf("Expected identical samples to give D=0 p=1, got D=%v p=%v", d, p)
	}

	// the window must not be reordered by the test
	dd = NewDriftDetector(40, 0.1)
	for i := 0; i < 45; i++ {
		dd.AddScore(float64(44 - i))
	}
	if _, _, _, err := dd.DetectDrift(calib); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if dd.window[0] != 39 || dd.window[39] != 0 {
		t.Errorf("Expected newest 40 scores in arrival order, got first=%v last=%v", dd.window[0], dd.window[39])
	}
}

func TestDetectDrift_TooFewScores(t *testing.T) {
	dd := NewDriftDetector(100, 0.1)
	for i := 0; i < 29; i++ {
		dd.AddScore(0.5)
	}
	if _, _, _, err := dd.DetectDrift(make([]float64, 100)); err == nil {
		t.Error("Expected an error with 29 online scores")
	}
	dd.AddScore(0.5)
	if _, _, _, err := dd.DetectDrift(make([]float64, 29)); err == nil {
		t.Error("Expected an error with 29 calibration scores")
	}
}
