package creditgate

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultFailureWindow    = 30 * time.Second
	defaultOpenPeriod       = 5 * time.Second
)

// HealthState describes the health of the backing store.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthConfig tunes the store circuit breaker.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	OpenPeriod       time.Duration `yaml:"open_period"`
}

// StoreHealth is a circuit breaker over store availability. While it is
// open, new reservations fail closed without touching the store.
type StoreHealth struct {
	mu       sync.Mutex
	cfg      HealthConfig
	clock    Clock
	state    HealthState
	failures []time.Time // sliding window of failure timestamps
	openedAt time.Time
}

// NewStoreHealth creates a breaker. Zero config fields take defaults.
func NewStoreHealth(cfg HealthConfig, clock Clock) *StoreHealth {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaultFailureWindow
	}
	if cfg.OpenPeriod <= 0 {
		cfg.OpenPeriod = defaultOpenPeriod
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &StoreHealth{cfg: cfg, clock: clock}
}

// State returns the current state, moving unhealthy to half-open once the open period elapsed.
func (h *StoreHealth) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == HealthUnhealthy && h.clock.Now().Sub(h.openedAt) >= h.cfg.OpenPeriod {
		h.state = HealthHalfOpen
	}
	return h.state
}

// Allow reports whether a store call may be attempted.
func (h *StoreHealth) Allow() bool {
	return h.State() != HealthUnhealthy
}

// RecordSuccess closes the breaker.
func (h *StoreHealth) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = HealthHealthy
	h.failures = h.failures[:0]
}

// RecordFailure records a store failure. A failure while half-open reopens immediately.
func (h *StoreHealth) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	if h.state == HealthUnhealthy {
		return
	}
	if h.state == HealthHalfOpen {
		h.state = HealthUnhealthy
		h.openedAt = now
		return
	}

	cutoff := now.Add(-h.cfg.FailureWindow)
	valid := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	h.failures = append(valid, now)

	if len(h.failures) >= h.cfg.FailureThreshold {
		h.state = HealthUnhealthy
		h.openedAt = now
	}
}
