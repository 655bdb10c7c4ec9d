package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/myogestic/myogestic/internal/conformal"
)

// Status classifies a solved step.
type Status string

const (
	// StatusResolved means the solver produced a label.
	StatusResolved Status = "resolved"
	// StatusUnsolved means no label and no fallback were available.
	StatusUnsolved Status = "unsolved"
	// StatusStale means the fallback was needed but too old to use.
	StatusStale Status = "stale"
)

// Outcome is the result of one Step, handed to the OutputSink.
type Outcome struct {
	SessionID string
	At        time.Time
	Set       conformal.PredictionSet
	Label     int
	Rejected  bool
	Status    Status
}

// OutputSink receives every solved step, typically to drive a prosthesis or
// a virtual hand.
type OutputSink interface {
	Emit(ctx context.Context, o Outcome) error
}

// LogSink writes outcomes to a logger at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(_ context.Context, o Outcome) error {
	s.Logger.Debug().
		Str("session_id", o.SessionID).
		Ints("members", o.Set.Members()).
		Int("label", o.Label).
		Bool("rejected", o.Rejected).
		Str("status", string(o.Status)).
		Msg("step")
	return nil
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Outcome) error { return nil }
