// Package api holds the JSON request and response bodies of the HTTP server.
package api

import "time"

// CreateSessionRequest configures a new session. Zero values fall back to
// the server defaults.
type CreateSessionRequest struct {
	CalibratorType    string   `json:"calibrator_type,omitempty"`
	Alpha             *float64 `json:"alpha,omitempty" validate:"omitempty,gt=0,lt=1"`
	KernelSize        *int     `json:"kernel_size,omitempty" validate:"omitempty,gte=1"`
	SolverStrategy    string   `json:"solver_strategy,omitempty"`
	RejectSetSize     *int     `json:"reject_set_size,omitempty" validate:"omitempty,gte=0"` // 0 disables rejection
	AcceptedTimeoutMs *int64   `json:"accepted_timeout_ms,omitempty" validate:"omitempty,gt=0"`
	FilterSingleSets  *bool    `json:"filter_single_sets,omitempty"`
	Snapshot          string   `json:"snapshot,omitempty"`
}

// SessionInfo describes a session.
type SessionInfo struct {
	ID             string    `json:"id"`
	CalibratorType string    `json:"calibrator_type"`
	Alpha          float64   `json:"alpha"`
	Calibrated     bool      `json:"is_calibrated"`
	QHat           *float64  `json:"qhat,omitempty"`
	Classes        int       `json:"classes,omitempty"`
	KernelSize     int       `json:"kernel_size"`
	SolverStrategy string    `json:"solver_strategy"`
	Snapshot       string    `json:"snapshot,omitempty"`
	Steps          int64     `json:"steps"`
	Coverage       *float64  `json:"coverage,omitempty"`
	Observations   int       `json:"observations"`
	CreatedAt      time.Time `json:"created_at"`
}

type CalibrateRequest struct {
	Probabilities [][]float64 `json:"probabilities" validate:"required,min=1"`
	Labels        []int       `json:"labels" validate:"required,min=1"`
}

type CalibrateResponse struct {
	QHat     float64 `json:"qhat"`
	Samples  int     `json:"samples"`
	Classes  int     `json:"classes"`
	Snapshot string  `json:"snapshot,omitempty"`
}

type StepRequest struct {
	Probabilities []float64 `json:"probabilities" validate:"required,min=1"`
}

// StepResponse carries the solved label. Label is -1 when nothing could be
// resolved.
type StepResponse struct {
	Label    int    `json:"label"`
	Set      []int  `json:"set"`
	Members  []int  `json:"members"`
	Rejected bool   `json:"rejected"`
	Status   string `json:"status"`
}

type ObserveRequest struct {
	Probabilities []float64 `json:"probabilities" validate:"required,min=1"`
	Label         int       `json:"label" validate:"gte=0"`
}

type ObserveResponse struct {
	Covered      bool         `json:"covered"`
	Coverage     float64      `json:"coverage"`
	Observations int          `json:"observations"`
	CoverageOK   bool         `json:"coverage_ok"`
	Drift        *DriftReport `json:"drift,omitempty"`
}

type DriftReport struct {
	Drifted          bool    `json:"drifted"`
	KSStatistic      float64 `json:"ks_statistic"`
	PValue           float64 `json:"p_value"`
	RecommendRecalib bool    `json:"recommend_recalibration"`
	Message          string  `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
