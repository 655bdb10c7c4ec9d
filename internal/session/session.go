// Package session binds a calibrator and an online solver into a stream
// processor that turns classifier probabilities into stable labels.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/myogestic/myogestic/internal/config"
	"github.com/myogestic/myogestic/internal/conformal"
	"github.com/myogestic/myogestic/internal/metrics"
	"github.com/myogestic/myogestic/internal/recorder"
	"github.com/myogestic/myogestic/internal/snapshot"
	"github.com/myogestic/myogestic/internal/solver"
	"github.com/myogestic/myogestic/pkg/otel"
)

const tracerName = "myogestic/session"

// Config selects the calibrator and the solver of one session.
type Config struct {
	Algorithm string
	Alpha     float64
	RegK      int
	RegLambda float64
	Solver    solver.Config
	// Snapshot names a stored calibrator to start from. Calibrate saves
	// under the same name.
	Snapshot string
}

// DefaultConfig returns a RAPS session with alpha 0.1 and the default solver.
func DefaultConfig() Config {
	return Config{
		Algorithm: string(conformal.RAPS),
		Alpha:     0.1,
		RegK:      conformal.DefaultRegK,
		RegLambda: conformal.DefaultRegLambda,
		Solver:    solver.DefaultConfig(),
	}
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Store    snapshot.Store     // optional
	Sink     OutputSink         // optional
	Recorder *recorder.Recorder // optional
	Clock    solver.Clock       // optional
	Monitor  config.MonitorConfig
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (d Deps) withDefaults() Deps {
	if d.Sink == nil {
		d.Sink = discardSink{}
	}
	if d.Clock == nil {
		d.Clock = systemClock{}
	}
	if d.Monitor.DriftWindow == 0 {
		d.Monitor = config.Default().Monitor
	}
	return d
}

// Session is safe for concurrent use; calls are serialized.
type Session struct {
	mu   sync.Mutex
	id   string
	cfg  Config
	deps Deps
	log  zerolog.Logger

	cal      *conformal.Calibrator
	solver   *solver.Solver
	coverage *conformal.CoverageMonitor
	drift    *conformal.DriftDetector

	createdAt time.Time
	steps     int64
	closed    bool
}

// New builds a session. When cfg.Snapshot names a stored calibrator the
// session starts calibrated from it; a missing snapshot is not an error.
func New(ctx context.Context, id string, cfg Config, deps Deps) (*Session, error) {
	deps = deps.withDefaults()
	cfg.Solver.Mode = solver.ModeOnline

	sv, err := solver.New(cfg.Solver, solver.WithClock(deps.Clock))
	if err != nil {
		return nil, err
	}
	cal, err := conformal.New(cfg.Algorithm, cfg.Alpha, conformal.WithRegularization(cfg.RegK, cfg.RegLambda))
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		log:       deps.Logger.With().Str("session_id", id).Logger(),
		cal:       cal,
		solver:    sv,
		coverage:  conformal.NewCoverageMonitor(deps.Monitor.CoverageWindow),
		drift:     conformal.NewDriftDetector(deps.Monitor.DriftWindow, deps.Monitor.KSThreshold),
		createdAt: deps.Clock.Now(),
	}

	if cfg.Snapshot != "" {
		if err := snapshot.CheckName(cfg.Snapshot); err != nil {
			return nil, err
		}
		if deps.Store != nil {
			restored, err := deps.Store.Get(ctx, cfg.Snapshot)
			switch {
			case err == nil:
				s.cal = restored
				s.cfg.Algorithm = string(restored.Algorithm())
				s.cfg.Alpha = restored.Alpha()
				s.log.Info().Str("snapshot", cfg.Snapshot).Str("algorithm", s.cfg.Algorithm).
					Bool("calibrated", restored.Calibrated()).Msg("restored calibrator")
			case errors.Is(err, snapshot.ErrNotFound):
			default:
				return nil, fmt.Errorf("failed to restore snapshot %q: %w", cfg.Snapshot, err)
			}
		}
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

// CalibrationResult summarises a successful Calibrate.
type CalibrationResult struct {
	QHat     float64
	Samples  int
	Classes  int
	Snapshot string // empty when nothing was saved
}

// Calibrate fits a fresh calibrator and swaps it in. The solver and both
// monitors restart. On error the previous calibrator stays in place.
func (s *Session) Calibrate(ctx context.Context, probs [][]float64, labels []int) (CalibrationResult, error) {
	ctx, span := otel.StartSpan(ctx, tracerName, "session.calibrate", otel.SessionAttributes(s.id, s.cfg.Snapshot)...)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return CalibrationResult{}, ErrSessionClosed
	}

	algo := s.cfg.Algorithm
	cal, err := conformal.New(algo, s.cfg.Alpha, conformal.WithRegularization(s.cfg.RegK, s.cfg.RegLambda))
	if err == nil {
		err = cal.Calibrate(probs, labels)
	}
	if err != nil {
		s.metric(func(m *metrics.Metrics) { m.CalibrationErrors.WithLabelValues(algo).Inc() })
		otel.RecordError(span, err, "calibration failed")
		return CalibrationResult{}, err
	}

	s.cal = cal
	s.solver.Reset()
	s.coverage.Reset()
	s.drift.Reset()

	res := CalibrationResult{QHat: cal.QHat(), Samples: len(labels), Classes: cal.Classes()}
	span.SetAttributes(otel.CalibrationAttributes(algo, s.cfg.Alpha, res.QHat, res.Classes, res.Samples)...)
	s.metric(func(m *metrics.Metrics) {
		m.Calibrations.WithLabelValues(algo).Inc()
		m.QHat.WithLabelValues(algo).Set(res.QHat)
	})

	if s.cfg.Snapshot != "" && s.deps.Store != nil {
		if err := s.deps.Store.Put(ctx, s.cfg.Snapshot, cal); err != nil {
			otel.RecordError(span, err, "snapshot save failed")
			return res, fmt.Errorf("calibrated but failed to save snapshot %q: %w", s.cfg.Snapshot, err)
		}
		res.Snapshot = s.cfg.Snapshot
	}

	s.log.Info().Str("algorithm", algo).Float64("alpha", s.cfg.Alpha).Float64("qhat", res.QHat).
		Int("samples", res.Samples).Int("classes", res.Classes).Msg("calibrated")
	return res, nil
}

// Step predicts the set for one probability vector, solves it into a label
// and emits the outcome. A stale fallback is reported both as StatusStale
// and as an error wrapping solver.ErrStaleFallback; the session stays usable.
func (s *Session) Step(ctx context.Context, p []float64) (Outcome, error) {
	ctx, span := otel.StartSpan(ctx, tracerName, "session.step", otel.SessionAttributes(s.id, "")...)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Outcome{}, ErrSessionClosed
	}

	start := time.Now()
	set, err := s.cal.Predict(p)
	if err != nil {
		otel.RecordError(span, err, "predict failed")
		return Outcome{}, err
	}
	algo := string(s.cal.Algorithm())
	s.metric(func(m *metrics.Metrics) {
		m.Predictions.WithLabelValues(algo).Inc()
		m.SetSize.WithLabelValues(algo).Observe(float64(set.Size()))
	})

	out := Outcome{
		SessionID: s.id,
		At:        s.deps.Clock.Now(),
		Set:       set,
		Rejected:  s.rejects(set),
	}
	label, solveErr := s.solver.Solve(set)
	out.Label = label
	switch {
	case errors.Is(solveErr, solver.ErrStaleFallback):
		out.Status = StatusStale
	case solveErr != nil:
		otel.RecordError(span, solveErr, "solve failed")
		return Outcome{}, solveErr
	case label == solver.Unsolved:
		out.Status = StatusUnsolved
	default:
		out.Status = StatusResolved
	}
	s.steps++

	span.SetAttributes(otel.StepAttributes(set.Size(), out.Label, string(out.Status), out.Rejected)...)
	s.metric(func(m *metrics.Metrics) {
		m.SolverOutcomes.WithLabelValues(string(out.Status)).Inc()
		if out.Rejected {
			m.Rejections.Inc()
		}
		if out.Status == StatusStale {
			m.StaleFallbacks.Inc()
		}
		m.StepDuration.Observe(time.Since(start).Seconds())
	})

	s.record(p, out)
	if err := s.deps.Sink.Emit(ctx, out); err != nil {
		s.log.Warn().Err(err).Msg("output sink failed")
	}

	if solveErr != nil {
		otel.RecordError(span, solveErr, "fallback too old")
		s.log.Warn().Err(solveErr).Msg("stale fallback")
		return out, solveErr
	}
	return out, nil
}

func (s *Session) rejects(set conformal.PredictionSet) bool {
	r := s.cfg.Solver.RejectSetSize
	return r != nil && set.Size() >= *r
}

func (s *Session) record(p []float64, out Outcome) {
	if s.deps.Recorder == nil {
		return
	}
	err := s.deps.Recorder.Append(recorder.Record{
		Timestamp:     out.At,
		Session:       s.id,
		Probabilities: p,
		Set:           out.Set.Mask(),
		Label:         out.Label,
	})
	if err != nil {
		s.metric(func(m *metrics.Metrics) { m.RecorderErrors.Inc() })
		s.log.Error().Err(err).Msg("failed to record step")
	}
}

// Observation is the monitoring result of one labelled sample.
type Observation struct {
	Covered      bool
	Coverage     float64
	Observations int
	CoverageOK   bool
	Drift        *conformal.DriftReport // nil until enough scores were seen
}

// Observe feeds a labelled sample to the coverage and drift monitors. It
// does not touch the solver.
func (s *Session) Observe(ctx context.Context, p []float64, label int) (Observation, error) {
	_, span := otel.StartSpan(ctx, tracerName, "session.observe", otel.SessionAttributes(s.id, "")...)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Observation{}, ErrSessionClosed
	}

	set, err := s.cal.Predict(p)
	if err != nil {
		otel.RecordError(span, err, "predict failed")
		return Observation{}, err
	}
	score, err := s.cal.Score(p, label)
	if err != nil {
		otel.RecordError(span, err, "score failed")
		return Observation{}, err
	}

	var obs Observation
	obs.Covered = s.coverage.Observe(set, label)
	obs.CoverageOK, obs.Coverage, obs.Observations = s.coverage.CheckCoverage(s.cal.Alpha())
	s.drift.AddScore(score)

	if s.drift.Len() >= minDriftScores {
		report := s.drift.CheckDrift(s.cal.CalibrationScores())
		obs.Drift = &report
		if report.Drifted {
			algo := string(s.cal.Algorithm())
			s.metric(func(m *metrics.Metrics) { m.DriftDetected.WithLabelValues(algo).Inc() })
			s.log.Warn().Float64("ks", report.KSStatistic).Float64("p_value", report.PValue).Msg(report.Message)
		}
		span.SetAttributes(otel.AttrDrift.Bool(report.Drifted))
	}

	span.SetAttributes(otel.AttrCoverage.Float64(obs.Coverage))
	s.metric(func(m *metrics.Metrics) { m.Coverage.WithLabelValues(s.id).Set(obs.Coverage) })
	if !obs.CoverageOK {
		s.log.Warn().Float64("coverage", obs.Coverage).Float64("target", 1-s.cal.Alpha()).
			Int("n", obs.Observations).Msg("empirical coverage below target, consider recalibration")
	}
	return obs, nil
}

// minDriftScores matches the smallest sample the KS test accepts.
const minDriftScores = 30

// Info is a read-only view of a session.
type Info struct {
	ID           string
	Algorithm    string
	Alpha        float64
	Calibrated   bool
	QHat         float64
	Classes      int
	Solver       solver.Config
	Snapshot     string
	Steps        int64
	Coverage     float64
	Observations int
	CreatedAt    time.Time
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	cov, n := s.coverage.Coverage()
	return Info{
		ID:           s.id,
		Algorithm:    string(s.cal.Algorithm()),
		Alpha:        s.cal.Alpha(),
		Calibrated:   s.cal.Calibrated(),
		QHat:         s.cal.QHat(),
		Classes:      s.cal.Classes(),
		Solver:       s.solver.Config(),
		Snapshot:     s.cfg.Snapshot,
		Steps:        s.steps,
		Coverage:     cov,
		Observations: n,
		CreatedAt:    s.createdAt,
	}
}

// Close releases the session. Further calls fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.metric(func(m *metrics.Metrics) { m.Coverage.DeleteLabelValues(s.id) })
	s.log.Info().Int64("steps", s.steps).Msg("session closed")
	return nil
}

func (s *Session) metric(f func(*metrics.Metrics)) {
	if s.deps.Metrics != nil {
		f(s.deps.Metrics)
	}
}
