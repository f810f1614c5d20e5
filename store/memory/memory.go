// Package memory provides an in-process creditgate.Store.
//
// All state lives behind one mutex, so every operation is atomic. It is
// suitable for single-process deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/creditgate"
)

// Store is an in-memory creditgate.Store.
type Store struct {
	mu       sync.RWMutex
	clock    creditgate.Clock
	starting int64

	balances     map[string]*creditgate.Balance
	entries      map[string][]creditgate.LedgerEntry
	reservations map[string]*creditgate.Reservation
	held         map[heldKey]string // (account, idempotency key) -> reservation id
	outcomes     map[heldKey]creditgate.IdempotencyRecord
	trials       map[string]creditgate.TrialUsage
	quotas       map[string]creditgate.QuotaUsage
}

type heldKey struct {
	account string
	key     string
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithStartingCredits sets the balance of accounts created on first access.
func WithStartingCredits(n int64) Option {
	return func(s *Store) { s.starting = n }
}

// WithClock sets the clock used for timestamps.
func WithClock(c creditgate.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:        creditgate.SystemClock{},
		balances:     make(map[string]*creditgate.Balance),
		entries:      make(map[string][]creditgate.LedgerEntry),
		reservations: make(map[string]*creditgate.Reservation),
		held:         make(map[heldKey]string),
		outcomes:     make(map[heldKey]creditgate.IdempotencyRecord),
		trials:       make(map[string]creditgate.TrialUsage),
		quotas:       make(map[string]creditgate.QuotaUsage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the balance of accountKey.
func (s *Store) GetOrCreate(_ context.Context, accountKey string) (creditgate.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.balance(accountKey), nil
}

// Adjust applies delta to the balance and appends a ledger entry.
func (s *Store) Adjust(_ context.Context, accountKey string, delta int64, reason string) (creditgate.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(accountKey)
	if b.Credits+delta < 0 {
		return *b, creditgate.ErrInsufficientFunds
	}

	now := s.clock.Now()
	b.Credits += delta
	b.UpdatedAt = now
	s.entries[accountKey] = append(s.entries[accountKey], creditgate.LedgerEntry{
		ID:         uuid.New().String(),
		AccountKey: accountKey,
		Delta:      delta,
		Reason:     reason,
		Balance:    b.Credits,
		CreatedAt:  now,
	})
	return *b, nil
}

// Entries returns the most recent ledger entries, newest first.
func (s *Store) Entries(_ context.Context, accountKey string, limit int) ([]creditgate.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[accountKey]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]creditgate.LedgerEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// balance must be called with s.mu held.
func (s *Store) balance(accountKey string) *creditgate.Balance {
	b, ok := s.balances[accountKey]
	if !ok {
		now := s.clock.Now()
		b = &creditgate.Balance{
			AccountKey: accountKey,
			Credits:    s.starting,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.balances[accountKey] = b
	}
	return b
}

// CreateReservation stores a new held reservation.
func (s *Store) CreateReservation(_ context.Context, res creditgate.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[res.ID]; ok {
		return creditgate.ErrDuplicateRequest
	}
	if res.IdempotencyKey != "" {
		k := heldKey{res.AccountKey, res.IdempotencyKey}
		if _, ok := s.held[k]; ok {
			return creditgate.ErrDuplicateRequest
		}
		s.held[k] = res.ID
	}

	r := res
	s.reservations[res.ID] = &r
	return nil
}

// GetReservation returns a reservation by id.
func (s *Store) GetReservation(_ context.Context, id string) (creditgate.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	return *r, nil
}

// FindHeld returns the held reservation for (accountKey, idempotencyKey).
func (s *Store) FindHeld(_ context.Context, accountKey, idempotencyKey string) (creditgate.Reservation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.held[heldKey{accountKey, idempotencyKey}]
	if !ok {
		return creditgate.Reservation{}, false, nil
	}
	return *s.reservations[id], true, nil
}

// Resolve moves a held reservation to a terminal status.
func (s *Store) Resolve(_ context.Context, change creditgate.Resolution) (creditgate.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[change.ID]
	if !ok {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	if !r.Status.CanTransition(change.To) {
		return *r, creditgate.ErrAlreadyResolved
	}

	r.Status = change.To
	r.ResolvedAt = change.At
	r.Fingerprint = change.Fingerprint
	r.Reason = change.Reason
	if r.IdempotencyKey != "" {
		delete(s.held, heldKey{r.AccountKey, r.IdempotencyKey})
	}
	return *r, nil
}

// ListExpired returns held reservations with ExpiresAt not after before, oldest first.
func (s *Store) ListExpired(_ context.Context, accountKey string, before time.Time, limit int) ([]creditgate.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []creditgate.Reservation
	for _, r := range s.reservations {
		if accountKey != "" && r.AccountKey != accountKey {
			continue
		}
		if r.Expired(before) && !r.Quarantined {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetQuarantined flags or clears a held reservation as awaiting reconciliation.
func (s *Store) SetQuarantined(_ context.Context, id string, quarantined bool) (creditgate.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	if r.Status != creditgate.StatusHeld {
		return *r, creditgate.ErrAlreadyResolved
	}
	r.Quarantined = quarantined
	return *r, nil
}

// ListQuarantined returns held reservations awaiting reconciliation, oldest first.
func (s *Store) ListQuarantined(_ context.Context, limit int) ([]creditgate.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []creditgate.Reservation
	for _, r := range s.reservations {
		if r.Status == creditgate.StatusHeld && r.Quarantined {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetOutcome returns the idempotency record for (accountKey, key).
func (s *Store) GetOutcome(_ context.Context, accountKey, key string) (creditgate.IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.outcomes[heldKey{accountKey, key}]
	return rec, ok, nil
}

// PutOutcome stores an idempotency record.
func (s *Store) PutOutcome(_ context.Context, rec creditgate.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := heldKey{rec.AccountKey, rec.Key}
	if existing, ok := s.outcomes[k]; ok && existing.ExpiresAt.After(rec.CreatedAt) {
		return creditgate.ErrDuplicateRequest
	}
	s.outcomes[k] = rec
	return nil
}

// PurgeOutcomes removes records that expired at or before before.
func (s *Store) PurgeOutcomes(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.outcomes {
		if !rec.ExpiresAt.After(before) {
			delete(s.outcomes, k)
			n++
		}
	}
	return n, nil
}

// GetTrialUsage returns the trial counter of email.
func (s *Store) GetTrialUsage(_ context.Context, email string) (creditgate.TrialUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.trials[email]
	if !ok {
		return creditgate.TrialUsage{Email: email}, nil
	}
	return u, nil
}

// IncrementTrial consumes one trial use of email.
func (s *Store) IncrementTrial(_ context.Context, email string, at time.Time) (creditgate.TrialUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.trials[email]
	u.Email = email
	u.Uses++
	u.LastUsedAt = at
	s.trials[email] = u
	return u, nil
}

// GetQuotaUsage returns the free-tier counter of deviceID in the current window.
func (s *Store) GetQuotaUsage(_ context.Context, deviceID string, now time.Time, window time.Duration) (creditgate.QuotaUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.quotas[deviceID]
	if !ok || !now.Before(u.WindowStart.Add(window)) {
		return creditgate.QuotaUsage{DeviceID: deviceID, WindowStart: now}, nil
	}
	return u, nil
}

// IncrementQuota consumes one free-tier use, starting a new window when the old one elapsed.
func (s *Store) IncrementQuota(_ context.Context, deviceID string, now time.Time, window time.Duration) (creditgate.QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.quotas[deviceID]
	if !ok || !now.Before(u.WindowStart.Add(window)) {
		u = creditgate.QuotaUsage{DeviceID: deviceID, WindowStart: now}
	}
	u.Count++
	s.quotas[deviceID] = u
	return u, nil
}
