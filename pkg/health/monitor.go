// Package health tracks per-backend liveness from call outcomes and optional
// active probes. No backend is ever removed; an unhealthy backend becomes
// eligible again once its cooldown window has elapsed.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is a backend's liveness state.
type Status string

const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
)

// DefaultCooldown is how long a failed backend is excluded from new decisions.
const DefaultCooldown = 30 * time.Second

// State is a point-in-time view of one backend.
type State struct {
	Status              Status    `json:"status"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastHealthyAt       time.Time `json:"last_healthy_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	// Eligible is computed when the snapshot is taken.
	Eligible bool `json:"eligible"`
	// Probationary is set for unhealthy backends whose cooldown has elapsed.
	Probationary bool `json:"probationary,omitempty"`
}

type entry struct {
	status        Status
	lastCheckedAt time.Time
	lastHealthyAt time.Time
	failures      int
}

// Monitor holds health state for a fixed set of backends.
type Monitor struct {
	mu       sync.RWMutex
	states   map[string]*entry
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCooldown sets the exclusion window after a failure.
func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// NewMonitor creates a monitor with every backend initially healthy.
func NewMonitor(ids []string, opts ...Option) *Monitor {
	m := &Monitor{
		states:   make(map[string]*entry, len(ids)),
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	ts := m.now()
	for _, id := range ids {
		m.states[id] = &entry{status: Healthy, lastCheckedAt: ts, lastHealthyAt: ts}
	}
	return m
}

// Cooldown returns the configured cooldown window.
func (m *Monitor) Cooldown() time.Duration {
	return m.cooldown
}

// ReportOutcome records a call or probe result. A failure marks the backend
// unhealthy; a single success marks it healthy again.
func (m *Monitor) ReportOutcome(id string, success bool) {
	ts := m.now()

	m.mu.Lock()
	e, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	prev := e.status
	e.lastCheckedAt = ts
	if success {
		e.status = Healthy
		e.lastHealthyAt = ts
		e.failures = 0
	} else {
		e.status = Unhealthy
		e.failures++
	}
	failures := e.failures
	m.mu.Unlock()

	if prev != Unhealthy && !success {
		m.logger.Warn().Str("backend", id).Int("consecutive_failures", failures).
			Dur("cooldown", m.cooldown).Msg("backend marked unhealthy")
	} else if prev == Unhealthy && success {
		m.logger.Info().Str("backend", id).Msg("backend recovered")
	}
}

// IsEligible reports whether id may be used for new decisions: healthy, or
// unhealthy with the cooldown window elapsed.
func (m *Monitor) IsEligible(id string) bool {
	ts := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.states[id]
	if !ok {
		return false
	}
	eligible, _ := m.eligibility(e, ts)
	return eligible
}

// Snapshot returns a copy of every backend's state with eligibility
// evaluated at the time of the call.
func (m *Monitor) Snapshot() map[string]State {
	ts := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.states))
	for id, e := range m.states {
		eligible, probation := m.eligibility(e, ts)
		out[id] = State{
			Status:              e.status,
			LastCheckedAt:       e.lastCheckedAt,
			LastHealthyAt:       e.lastHealthyAt,
			ConsecutiveFailures: e.failures,
			Eligible:            eligible,
			Probationary:        probation,
		}
	}
	return out
}

func (m *Monitor) eligibility(e *entry, ts time.Time) (eligible, probation bool) {
	if e.status == Healthy {
		return true, false
	}
	if ts.Sub(e.lastCheckedAt) >= m.cooldown {
		return true, true
	}
	return false, false
}
