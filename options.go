package creditgate

import (
	"log/slog"
	"time"
)

const (
	DefaultReservationTTL = 15 * time.Minute
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultTrialLimit     = 2
	DefaultFreeTierWindow = 24 * time.Hour
	DefaultCommitRetries  = 3
	DefaultCommitBackoff  = 100 * time.Millisecond
)

type settings struct {
	clock          Clock
	locker         Locker
	health         *StoreHealth
	healthConfig   HealthConfig
	meter          Meter
	logger         *slog.Logger
	pricer         Pricer
	reservationTTL time.Duration
	idempotencyTTL time.Duration
	trialLimit     int64
	freeTierLimit  int64
	freeTierWindow time.Duration
	commitRetries  int
	commitBackoff  time.Duration
	sweepBatch     int
}

// Option configures a Manager or Coordinator.
type Option func(*settings)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithLocker sets the per-account serialization point.
func WithLocker(l Locker) Option {
	return func(s *settings) { s.locker = l }
}

// WithStoreHealth sets the store circuit breaker.
func WithStoreHealth(h *StoreHealth) Option {
	return func(s *settings) { s.health = h }
}

// WithHealthConfig tunes the default store circuit breaker.
func WithHealthConfig(cfg HealthConfig) Option {
	return func(s *settings) { s.healthConfig = cfg }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithPricer sets the pricing function for paid requests.
func WithPricer(p Pricer) Option {
	return func(s *settings) { s.pricer = p }
}

// WithReservationTTL bounds how long a hold may stay unresolved.
func WithReservationTTL(d time.Duration) Option {
	return func(s *settings) { s.reservationTTL = d }
}

// WithIdempotencyTTL sets how long committed outcomes are replayable.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(s *settings) { s.idempotencyTTL = d }
}

// WithTrialLimit sets the number of free trial uses per email.
func WithTrialLimit(n int64) Option {
	return func(s *settings) { s.trialLimit = n }
}

// WithFreeTier sets the anonymous device quota. A zero limit disables the quota path.
func WithFreeTier(limit int64, window time.Duration) Option {
	return func(s *settings) {
		s.freeTierLimit = limit
		s.freeTierWindow = window
	}
}

// WithCommitRetries sets how often a commit is retried while the store is unavailable.
func WithCommitRetries(n int, backoff time.Duration) Option {
	return func(s *settings) {
		s.commitRetries = n
		s.commitBackoff = backoff
	}
}

// WithSweepBatch sets how many expired reservations one sweep query fetches.
func WithSweepBatch(n int) Option {
	return func(s *settings) { s.sweepBatch = n }
}

func newSettings(opts []Option) settings {
	s := settings{
		reservationTTL: DefaultReservationTTL,
		idempotencyTTL: DefaultIdempotencyTTL,
		trialLimit:     DefaultTrialLimit,
		freeTierWindow: DefaultFreeTierWindow,
		commitRetries:  DefaultCommitRetries,
		commitBackoff:  DefaultCommitBackoff,
		sweepBatch:     100,
	}
	for _, opt := range opts {
		opt(&s)
	}

	// Apply defaults after options.
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.locker == nil {
		s.locker = NewKeyedMutex()
	}
	if s.health == nil {
		s.health = NewStoreHealth(s.healthConfig, s.clock)
	}
	if s.meter == nil {
		s.meter = noopMeter{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.pricer == nil {
		s.pricer = flatPricer(1)
	}
	if s.freeTierWindow <= 0 {
		s.freeTierWindow = DefaultFreeTierWindow
	}
	if s.sweepBatch <= 0 {
		s.sweepBatch = 100
	}
	return s
}
