package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for calibration, prediction and solving.
type Metrics struct {
	Calibrations      *prometheus.CounterVec
	CalibrationErrors *prometheus.CounterVec
	QHat              *prometheus.GaugeVec

	Predictions *prometheus.CounterVec
	SetSize     *prometheus.HistogramVec

	SolverOutcomes *prometheus.CounterVec
	Rejections     prometheus.Counter
	StaleFallbacks prometheus.Counter

	Coverage      *prometheus.GaugeVec
	DriftDetected *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	RateLimited    *prometheus.CounterVec
	StepDuration   prometheus.Histogram

	RecorderErrors prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calibrations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myogestic_calibrations_total",
				Help: "Number of successful calibrations",
			},
			[]string{"algorithm"},
		),
		CalibrationErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myogestic_calibration_errors_total",
				Help: "Number of rejected calibration requests",
			},
			[]string{"algorithm"},
		),
		QHat: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "myogestic_qhat",
				Help: "Conformal threshold of the most recent calibration",
			},
			[]string{"algorithm"},
		),
		Predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myogestic_predictions_total",
				Help: "Number of prediction sets produced",
			},
			[]string{"algorithm"},
		),
		SetSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "myogestic_prediction_set_size",
				Help:    "Cardinality of produced prediction sets",
				Buckets: prometheus.LinearBuckets(0, 1, 11),
			},
			[]string{"algorithm"},
		),
		SolverOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myogestic_solver_outcomes_total",
				Help: "Solver results by outcome (resolved, unsolved, stale)",
			},
			[]string{"outcome"},
		),
		Rejections: f.NewCounter(prometheus.CounterOpts{
			Name: "myogestic_solver_rejections_total",
			Help: "Prediction sets emptied by the reject size",
		}),
		StaleFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "myogestic_solver_stale_fallbacks_total",
			Help: "Fallbacks refused because the accepted labels were too old",
		}),
		Coverage: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "myogestic_empirical_coverage",
				Help: "Fraction of observed labels contained in their prediction set",
			},
			[]string{"session"},
		),
		DriftDetected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myogestic_drift_detected_total",
				Help: "Number of KS drift detections on nonconformity scores",
			},
			[]string{"algorithm"},
		),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "myogestic_active_sessions",
			Help: "Number of open sessions",
		}),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myogestic_rate_limited_total",
				Help: "Requests rejected by the per-session rate limit",
			},
			[]string{"operation"},
		),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "myogestic_step_duration_seconds",
			Help:    "Latency of predict plus solve for one sample",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		RecorderErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "myogestic_recorder_errors_total",
			Help: "Failed writes to the prediction log",
		}),
	}
}
