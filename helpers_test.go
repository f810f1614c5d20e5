package creditgate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	cg "github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/store/memory"
)

var errStoreDown = errors.New("connection refused")

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyStore wraps the memory store and fails selected methods on demand.
type faultyStore struct {
	*memory.Store

	mu    sync.Mutex
	fails map[string]int // remaining failures per method; -1 fails forever
	calls map[string]int
}

func newFaultyStore(inner *memory.Store) *faultyStore {
	return &faultyStore{Store: inner, fails: map[string]int{}, calls: map[string]int{}}
}

// failOn makes method fail n times; n < 0 fails until heal is called.
func (s *faultyStore) failOn(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[method] = n
}

func (s *faultyStore) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = map[string]int{}
}

func (s *faultyStore) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *faultyStore) check(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++

	n, ok := s.fails[method]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		s.fails[method] = n - 1
	}
	return errStoreDown
}

func (s *faultyStore) GetOrCreate(ctx context.Context, accountKey string) (cg.Balance, error) {
	if err := s.check("GetOrCreate"); err != nil {
		return cg.Balance{}, err
	}
	return s.Store.GetOrCreate(ctx, accountKey)
}

func (s *faultyStore) Adjust(ctx context.Context, accountKey string, delta int64, reason string) (cg.Balance, error) {
	if err := s.check("Adjust"); err != nil {
		return cg.Balance{}, err
	}
	return s.Store.Adjust(ctx, accountKey, delta, reason)
}

func (s *faultyStore) CreateReservation(ctx context.Context, res cg.Reservation) error {
	if err := s.check("CreateReservation"); err != nil {
		return err
	}
	return s.Store.CreateReservation(ctx, res)
}

func (s *faultyStore) Resolve(ctx context.Context, change cg.Resolution) (cg.Reservation, error) {
	if err := s.check("Resolve"); err != nil {
		return cg.Reservation{}, err
	}
	return s.Store.Resolve(ctx, change)
}

func (s *faultyStore) ListExpired(ctx context.Context, accountKey string, before time.Time, limit int) ([]cg.Reservation, error) {
	if err := s.check("ListExpired"); err != nil {
		return nil, err
	}
	return s.Store.ListExpired(ctx, accountKey, before, limit)
}

func (s *faultyStore) SetQuarantined(ctx context.Context, id string, quarantined bool) (cg.Reservation, error) {
	if err := s.check("SetQuarantined"); err != nil {
		return cg.Reservation{}, err
	}
	return s.Store.SetQuarantined(ctx, id, quarantined)
}

func (s *faultyStore) GetOutcome(ctx context.Context, accountKey, key string) (cg.IdempotencyRecord, bool, error) {
	if err := s.check("GetOutcome"); err != nil {
		return cg.IdempotencyRecord{}, false, err
	}
	return s.Store.GetOutcome(ctx, accountKey, key)
}

func (s *faultyStore) PutOutcome(ctx context.Context, rec cg.IdempotencyRecord) error {
	if err := s.check("PutOutcome"); err != nil {
		return err
	}
	return s.Store.PutOutcome(ctx, rec)
}

func (s *faultyStore) GetTrialUsage(ctx context.Context, email string) (cg.TrialUsage, error) {
	if err := s.check("GetTrialUsage"); err != nil {
		return cg.TrialUsage{}, err
	}
	return s.Store.GetTrialUsage(ctx, email)
}

func (s *faultyStore) IncrementTrial(ctx context.Context, email string, at time.Time) (cg.TrialUsage, error) {
	if err := s.check("IncrementTrial"); err != nil {
		return cg.TrialUsage{}, err
	}
	return s.Store.IncrementTrial(ctx, email, at)
}

// recordingMeter keeps every event for assertions.
type recordingMeter struct {
	mu           sync.Mutex
	decisions    []cg.DecisionEvent
	reservations []cg.ReservationEvent
	charges      []cg.ChargeEvent
}

func (m *recordingMeter) OnDecision(e cg.DecisionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, e)
}

func (m *recordingMeter) OnReservation(e cg.ReservationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations = append(m.reservations, e)
}

func (m *recordingMeter) OnCharge(e cg.ChargeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, e)
}

func (m *recordingMeter) ops(op cg.ReservationOp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.reservations {
		if e.Op == op && e.Error == nil {
			n++
		}
	}
	return n
}

func workReturning(payload string) cg.UnitOfWork {
	return func(context.Context) (cg.Result, error) {
		return cg.Result{Payload: []byte(payload)}, nil
	}
}
