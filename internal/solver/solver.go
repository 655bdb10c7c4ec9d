package solver

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/myogestic/myogestic/internal/conformal"
)

// Mode selects how the solver receives prediction sets.
type Mode string

const (
	// ModeOnline keeps the window across calls and takes one set per call.
	ModeOnline Mode = "online"
	// ModeOffline takes a whole sequence per call and starts from scratch each time.
	ModeOffline Mode = "offline"
)

// ParseMode maps a mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(name))); m {
	case ModeOnline, ModeOffline:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, name)
	}
}

// Config holds the solver options.
type Config struct {
	KernelSize         int           `yaml:"kernel_size" validate:"gte=1"`
	Strategy           Strategy      `yaml:"strategy" validate:"oneof=mode weighted_mode set_weighting"`
	Mode               Mode          `yaml:"mode" validate:"oneof=online offline"`
	RejectSetSize      *int          `yaml:"reject_set_size" validate:"omitempty,gte=1"` // nil disables rejection
	AcceptedBufferSize int           `yaml:"accepted_buffer_size" validate:"gte=1"`
	AcceptedTimeout    time.Duration `yaml:"accepted_timeout" validate:"gt=0"`
	FilterSingleSets   bool          `yaml:"filter_single_sets"`
}

// DefaultConfig returns the defaults used by the MyoGestic online protocol.
func DefaultConfig() Config {
	reject := 4
	return Config{
		KernelSize:         10,
		Strategy:           StrategyMode,
		Mode:               ModeOffline,
		RejectSetSize:      &reject,
		AcceptedBufferSize: 5,
		AcceptedTimeout:    10 * time.Second,
	}
}

// Validate checks the config without applying defaults.
func (c Config) Validate() error {
	if c.KernelSize < 1 {
		return fmt.Errorf("%w: kernel_size must be >= 1, got %d", ErrInvalidConfig, c.KernelSize)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.RejectSetSize != nil && *c.RejectSetSize < 1 {
		return fmt.Errorf("%w: reject_set_size must be >= 1, got %d", ErrInvalidConfig, *c.RejectSetSize)
	}
	if c.AcceptedBufferSize < 1 {
		return fmt.Errorf("%w: accepted_buffer_size must be >= 1, got %d", ErrInvalidConfig, c.AcceptedBufferSize)
	}
	if c.AcceptedTimeout <= 0 {
		return fmt.Errorf("%w: accepted_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Clock supplies the timestamps of accepted labels.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Solver.
type Option func(*Solver)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Solver) { s.clock = c }
}

// WithRand replaces the source used to pick among members of the first set.
func WithRand(r *rand.Rand) Option {
	return func(s *Solver) { s.rng = r }
}

type acceptedLabel struct {
	label int
	at    time.Time
}

// Solver collapses prediction sets into single labels using a trailing window
// of sets and a bounded pool of recently accepted labels.
//
// A Solver is not safe for concurrent use; callers must serialize Solve.
type Solver struct {
	cfg   Config
	clock Clock
	rng   *rand.Rand

	// online state
	window   *ring[conformal.PredictionSet]
	accepted *ring[acceptedLabel]
	classes  int
}

// New creates a Solver from cfg.
func New(cfg Config, opts ...Option) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Strategy, _ = ParseStrategy(string(cfg.Strategy))
	cfg.Mode, _ = ParseMode(string(cfg.Mode))

	s := &Solver{
		cfg:      cfg,
		clock:    systemClock{},
		window:   newRing[conformal.PredictionSet](cfg.KernelSize),
		accepted: newRing[acceptedLabel](cfg.AcceptedBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s, nil
}

// Config returns the solver configuration.
func (s *Solver) Config() Config { return s.cfg }

// Solve resolves one prediction set in online mode. An empty or rejected set
// is resolved from the window when earlier sets hold members and from the
// fallback pool otherwise. It returns Unsolved when there is no label and no
// fallback, and ErrStaleFallback when the fallback pool is too old to be
// trusted.
func (s *Solver) Solve(set conformal.PredictionSet) (int, error) {
	if s.cfg.Mode != ModeOnline {
		return Unsolved, fmt.Errorf("%w: Solve requires online mode", ErrWrongMode)
	}
	if err := checkSet(set, s.classes); err != nil {
		return Unsolved, err
	}
	s.classes = len(set)

	s.window.push(s.reject(set))
	return s.resolve(s.window, s.accepted, s.clock.Now())
}

// SolveSequence resolves a whole sequence in offline mode, stamping accepted
// labels with the solver clock. The window and fallback pool start empty on
// every call. On ErrStaleFallback the labels resolved so far are returned.
func (s *Solver) SolveSequence(sets []conformal.PredictionSet) ([]int, error) {
	return s.solveOffline(sets, nil)
}

// SolveRecorded is SolveSequence with per-sample timestamps taken from a
// recording, so fallback staleness is judged in recording time.
func (s *Solver) SolveRecorded(sets []conformal.PredictionSet, at []time.Time) ([]int, error) {
	if len(at) != len(sets) {
		return nil, fmt.Errorf("%w: %d sets but %d timestamps", ErrInvalidSet, len(sets), len(at))
	}
	return s.solveOffline(sets, at)
}

func (s *Solver) solveOffline(sets []conformal.PredictionSet, at []time.Time) ([]int, error) {
	if s.cfg.Mode != ModeOffline {
		return nil, fmt.Errorf("%w: sequence solving requires offline mode", ErrWrongMode)
	}
	classes := 0
	for i, set := range sets {
		if err := checkSet(set, classes); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		classes = len(set)
	}

	window := newRing[conformal.PredictionSet](s.cfg.KernelSize)
	accepted := newRing[acceptedLabel](s.cfg.AcceptedBufferSize)
	labels := make([]int, 0, len(sets))

	for i, set := range sets {
		now := s.clock.Now()
		if at != nil {
			now = at[i]
		}
		window.push(s.reject(set))
		label, err := s.resolve(window, accepted, now)
		if err != nil {
			return labels, fmt.Errorf("sample %d: %w", i, err)
		}
		labels = append(labels, label)
	}
	return labels, nil
}

// reject replaces sets at or above the reject size with the empty set.
func (s *Solver) reject(set conformal.PredictionSet) conformal.PredictionSet {
	if s.cfg.RejectSetSize != nil && set.Size() >= *s.cfg.RejectSetSize {
		return make(conformal.PredictionSet, len(set))
	}
	return set.Clone()
}

// resolve decides the label for the newest set in window.
func (s *Solver) resolve(window *ring[conformal.PredictionSet], accepted *ring[acceptedLabel], now time.Time) (int, error) {
	current := window.last()

	label := Unsolved
	switch size := current.Size(); {
	case size == 0 && window.len() < 2:
		// nothing to vote with: only the fallback pool can answer
	case size == 1 && !s.cfg.FilterSingleSets:
		label = current.Members()[0]
	case window.len() < 2:
		members := current.Members()
		label = members[s.rng.Intn(len(members))]
	default:
		// An empty current set still resolves from the rest of the window;
		// aggregate yields Unsolved only when every set in it is empty.
		label = aggregate(s.cfg.Strategy, window.values())
	}

	if label != Unsolved {
		accepted.push(acceptedLabel{label: label, at: now})
		return label, nil
	}
	return s.fallback(accepted, now)
}

func (s *Solver) fallback(accepted *ring[acceptedLabel], now time.Time) (int, error) {
	if accepted.len() == 0 {
		return Unsolved, nil
	}
	if age := now.Sub(accepted.last().at); age > s.cfg.AcceptedTimeout {
		return Unsolved, fmt.Errorf("%w: newest accepted label is %s old (timeout %s)",
			ErrStaleFallback, age.Round(time.Millisecond), s.cfg.AcceptedTimeout)
	}

	labels := make([]int, accepted.len())
	for i := range labels {
		labels[i] = accepted.at(i).label
	}
	return labelMode(labels), nil
}

// Reset clears the online window and the fallback pool.
func (s *Solver) Reset() {
	s.window.reset()
	s.accepted.reset()
	s.classes = 0
}

// Window returns the online window, oldest first, after rejection.
func (s *Solver) Window() []conformal.PredictionSet {
	return s.window.values()
}

// AcceptedLabels returns the online fallback pool, oldest first.
func (s *Solver) AcceptedLabels() []int {
	out := make([]int, s.accepted.len())
	for i := range out {
		out[i] = s.accepted.at(i).label
	}
	return out
}

func checkSet(set conformal.PredictionSet, classes int) error {
	if len(set) == 0 {
		return fmt.Errorf("%w: zero-width set", ErrInvalidSet)
	}
	if classes != 0 && len(set) != classes {
		return fmt.Errorf("%w: got %d classes, expected %d", ErrInvalidSet, len(set), classes)
	}
	return nil
}
