package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrTooManySessions = errors.New("too many open sessions")
	ErrRateLimited     = errors.New("session rate limit exceeded")
)

// ManagerOptions bound the number of sessions and the per-session sample rate.
type ManagerOptions struct {
	MaxSessions    int
	StepsPerSecond float64
	Burst          int
}

type entry struct {
	session *Session
	limiter *rate.Limiter
}

// Manager owns the open sessions, keyed by UUID.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	deps     Deps
	opts     ManagerOptions
	newID    func() string
}

func NewManager(deps Deps, opts ManagerOptions) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 64
	}
	if opts.StepsPerSecond <= 0 {
		opts.StepsPerSecond = float64(rate.Inf)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Manager{
		sessions: make(map[string]*entry),
		deps:     deps,
		opts:     opts,
		newID:    uuid.NewString,
	}
}

// Create opens a new session.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	m.mu.RLock()
	full := len(m.sessions) >= m.opts.MaxSessions
	m.mu.RUnlock()
	if full {
		return nil, ErrTooManySessions
	}

	id := m.newID()
	s, err := New(ctx, id, cfg, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.opts.MaxSessions {
		return nil, ErrTooManySessions
	}
	m.sessions[id] = &entry{
		session: s,
		limiter: rate.NewLimiter(rate.Limit(m.opts.StepsPerSecond), m.opts.Burst),
	}
	m.gauge()
	return s, nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

// Step runs Session.Step under the session's rate limit.
func (m *Manager) Step(ctx context.Context, id string, p []float64) (Outcome, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Outcome{}, err
	}
	if !e.limiter.Allow() {
		m.rateLimited("step")
		return Outcome{}, ErrRateLimited
	}
	return e.session.Step(ctx, p)
}

// Observe runs Session.Observe under the session's rate limit.
func (m *Manager) Observe(ctx context.Context, id string, p []float64, label int) (Observation, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Observation{}, err
	}
	if !e.limiter.Allow() {
		m.rateLimited("observe")
		return Observation{}, ErrRateLimited
	}
	return e.session.Observe(ctx, p, label)
}

func (m *Manager) Calibrate(ctx context.Context, id string, probs [][]float64, labels []int) (CalibrationResult, error) {
	e, err := m.lookup(id)
	if err != nil {
		return CalibrationResult{}, err
	}
	return e.session.Calibrate(ctx, probs, labels)
}

// Close closes and forgets the session with id.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.gauge()
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	return e.session.Close()
}

// CloseAll closes every session, returning the first error.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*entry)
	m.gauge()
	m.mu.Unlock()

	var first error
	for _, e := range sessions {
		if err := e.session.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// IDs lists open sessions in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// gauge must be called with m.mu held.
func (m *Manager) gauge() {
	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
}

func (m *Manager) rateLimited(op string) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.RateLimited.WithLabelValues(op).Inc()
	}
}
