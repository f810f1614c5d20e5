package creditgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager runs the reserve -> commit | release protocol against the ledger.
//
// Every mutation of one account happens under that account's lock, so
// reserve, commit and release are linearizable per account. The lock is
// only held for the store calls, never across the paid work itself.
type Manager struct {
	ledger       LedgerStore
	reservations ReservationStore
	outcomes     IdempotencyStore

	locker  Locker
	clock   Clock
	health  *StoreHealth
	meter   Meter
	log     *slog.Logger
	ttl     time.Duration
	idemTTL time.Duration
	batch   int
}

// Reserved is the result of Reserve: either a fresh hold or the replay of a
// previously committed outcome for the same idempotency key.
type Reserved struct {
	Reservation Reservation
	Replay      *IdempotencyRecord
}

// NewManager creates a reservation manager.
func NewManager(ledger LedgerStore, reservations ReservationStore, outcomes IdempotencyStore, opts ...Option) *Manager {
	return newManager(ledger, reservations, outcomes, newSettings(opts))
}

func newManager(ledger LedgerStore, reservations ReservationStore, outcomes IdempotencyStore, s settings) *Manager {
	return &Manager{
		ledger:       ledger,
		reservations: reservations,
		outcomes:     outcomes,
		locker:       s.locker,
		clock:        s.clock,
		health:       s.health,
		meter:        s.meter,
		log:          s.logger,
		ttl:          s.reservationTTL,
		idemTTL:      s.idempotencyTTL,
		batch:        s.sweepBatch,
	}
}

// TTL returns the reservation time-to-live.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Reserve deducts amount from the account and creates a held reservation.
// If idempotencyKey already has a committed, unexpired outcome, that outcome
// is returned in Reserved.Replay and nothing is deducted.
func (m *Manager) Reserve(ctx context.Context, accountKey string, amount int64, idempotencyKey string) (Reserved, error) {
	if accountKey == "" {
		return Reserved{}, fmt.Errorf("%w: empty account key", ErrInvalidRequest)
	}
	if amount <= 0 {
		return Reserved{}, fmt.Errorf("%w: reservation amount must be positive, got %d", ErrInvalidRequest, amount)
	}
	if !m.health.Allow() {
		return Reserved{}, fmt.Errorf("%w: store circuit open", ErrLedgerUnavailable)
	}

	unlock, err := m.locker.Lock(ctx, accountKey)
	if err != nil {
		return Reserved{}, m.fail("lock", err)
	}
	defer unlock()

	now := m.clock.Now()
	if err := m.expireAccountLocked(ctx, accountKey, now); err != nil {
		return Reserved{}, err
	}

	if idempotencyKey != "" {
		rec, ok, err := m.outcomes.GetOutcome(ctx, accountKey, idempotencyKey)
		if err != nil {
			return Reserved{}, m.fail("get outcome", err)
		}
		if ok && now.Before(rec.ExpiresAt) {
			m.health.RecordSuccess()
			m.meter.OnReservation(ReservationEvent{
				Op:            OpReplay,
				AccountKey:    accountKey,
				ReservationID: rec.ReservationID,
				Amount:        rec.Charged,
			})
			return Reserved{Replay: &rec}, nil
		}

		_, held, err := m.reservations.FindHeld(ctx, accountKey, idempotencyKey)
		if err != nil {
			return Reserved{}, m.fail("find held", err)
		}
		if held {
			return Reserved{}, ErrDuplicateRequest
		}
	}

	id := uuid.New().String()
	if _, err := m.ledger.Adjust(ctx, accountKey, -amount, "reserve:"+id); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			m.health.RecordSuccess()
			return Reserved{}, m.insufficient(ctx, accountKey, amount)
		}
		return Reserved{}, m.fail("debit", err)
	}

	res := Reservation{
		ID:             id,
		AccountKey:     accountKey,
		Amount:         amount,
		Status:         StatusHeld,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	if err := m.reservations.CreateReservation(ctx, res); err != nil {
		if _, cerr := m.ledger.Adjust(ctx, accountKey, amount, "reserve-compensate:"+id); cerr != nil {
			m.log.Error("reservation compensation failed",
				"account", accountKey,
				"reservation", id,
				"amount", amount,
				"error", cerr,
			)
		}
		m.meter.OnReservation(ReservationEvent{Op: OpReserve, AccountKey: accountKey, Amount: amount, Error: err})
		return Reserved{}, m.fail("create reservation", err)
	}

	m.health.RecordSuccess()
	m.meter.OnReservation(ReservationEvent{
		Op:            OpReserve,
		AccountKey:    accountKey,
		ReservationID: id,
		Amount:        amount,
	})
	return Reserved{Reservation: res}, nil
}

// Commit converts a held reservation into a charge and, when the reservation
// carries an idempotency key, records the outcome for replay.
//
// Committing an already committed reservation with the same result completes
// a commit whose outcome record was never written; otherwise it fails with
// ErrAlreadyResolved.
func (m *Manager) Commit(ctx context.Context, reservationID string, result Result) error {
	res, err := m.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return m.fail("get reservation", err)
	}

	unlock, err := m.locker.Lock(ctx, res.AccountKey)
	if err != nil {
		return m.fail("lock", err)
	}
	defer unlock()

	fp := result.Fingerprint()
	now := m.clock.Now()

	committed, err := m.reservations.Resolve(ctx, Resolution{
		ID:          reservationID,
		To:          StatusCommitted,
		Fingerprint: fp,
		At:          now,
	})
	switch {
	case errors.Is(err, ErrAlreadyResolved):
		if committed.Status != StatusCommitted || committed.Fingerprint != fp || committed.IdempotencyKey == "" {
			m.lostRace(OpCommit, committed, err)
			return err
		}
		_, ok, gerr := m.outcomes.GetOutcome(ctx, committed.AccountKey, committed.IdempotencyKey)
		if gerr != nil {
			return m.fail("get outcome", gerr)
		}
		if ok {
			m.lostRace(OpCommit, committed, err)
			return err
		}
	case err != nil:
		m.meter.OnReservation(ReservationEvent{Op: OpCommit, AccountKey: res.AccountKey, ReservationID: reservationID, Amount: res.Amount, Error: err})
		return m.fail("resolve commit", err)
	}

	if committed.IdempotencyKey != "" {
		rec := IdempotencyRecord{
			Key:           committed.IdempotencyKey,
			AccountKey:    committed.AccountKey,
			ReservationID: committed.ID,
			Charged:       committed.Amount,
			Fingerprint:   fp,
			Payload:       result.Payload,
			CreatedAt:     now,
			ExpiresAt:     now.Add(m.idemTTL),
		}
		if err := m.putOutcome(ctx, rec); err != nil {
			m.meter.OnReservation(ReservationEvent{Op: OpCommit, AccountKey: res.AccountKey, ReservationID: reservationID, Amount: res.Amount, Error: err})
			return err
		}
	}

	m.health.RecordSuccess()
	m.meter.OnReservation(ReservationEvent{
		Op:            OpCommit,
		AccountKey:    committed.AccountKey,
		ReservationID: committed.ID,
		Amount:        committed.Amount,
	})
	return nil
}

func (m *Manager) putOutcome(ctx context.Context, rec IdempotencyRecord) error {
	err := m.outcomes.PutOutcome(ctx, rec)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrDuplicateRequest) {
		return m.fail("put outcome", err)
	}

	existing, ok, gerr := m.outcomes.GetOutcome(ctx, rec.AccountKey, rec.Key)
	if gerr != nil {
		return m.fail("get outcome", gerr)
	}
	if ok && existing.ReservationID != rec.ReservationID {
		m.log.Error("idempotency key already committed by another reservation",
			"account", rec.AccountKey,
			"reservation", rec.ReservationID,
			"committed_reservation", existing.ReservationID,
		)
	}
	return nil
}

// Release reverses a held reservation and restores its amount to the account.
// Releasing a reservation that is already resolved is a logged no-op.
func (m *Manager) Release(ctx context.Context, reservationID, reason string) error {
	res, err := m.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return m.fail("get reservation", err)
	}

	unlock, err := m.locker.Lock(ctx, res.AccountKey)
	if err != nil {
		return m.fail("lock", err)
	}
	defer unlock()

	return m.releaseLocked(ctx, res, reason, OpRelease)
}

// releaseLocked must be called with the account lock held.
func (m *Manager) releaseLocked(ctx context.Context, res Reservation, reason string, op ReservationOp) error {
	released, err := m.reservations.Resolve(ctx, Resolution{
		ID:     res.ID,
		To:     StatusReleased,
		Reason: reason,
		At:     m.clock.Now(),
	})
	if errors.Is(err, ErrAlreadyResolved) {
		m.lostRace(op, released, err)
		return nil
	}
	if err != nil {
		m.meter.OnReservation(ReservationEvent{Op: op, AccountKey: res.AccountKey, ReservationID: res.ID, Amount: res.Amount, Error: err})
		return m.fail("resolve release", err)
	}

	if _, err := m.ledger.Adjust(ctx, res.AccountKey, res.Amount, string(op)+":"+res.ID); err != nil {
		m.log.Error("reservation released but credits not restored",
			"account", res.AccountKey,
			"reservation", res.ID,
			"amount", res.Amount,
			"error", err,
		)
		m.meter.OnReservation(ReservationEvent{Op: op, AccountKey: res.AccountKey, ReservationID: res.ID, Amount: res.Amount, Error: err})
		return m.fail("credit release", err)
	}

	m.health.RecordSuccess()
	m.meter.OnReservation(ReservationEvent{
		Op:            op,
		AccountKey:    res.AccountKey,
		ReservationID: res.ID,
		Amount:        res.Amount,
	})
	return nil
}

// ExpireStaleReservations releases every held reservation past its TTL and
// returns how many were released. Quarantined reservations are never listed.
func (m *Manager) ExpireStaleReservations(ctx context.Context) (int, error) {
	var released int
	var firstErr error

	for {
		now := m.clock.Now()
		batch, err := m.reservations.ListExpired(ctx, "", now, m.batch)
		if err != nil {
			return released, m.fail("list expired", err)
		}

		progressed := 0
		for _, res := range batch {
			ok, err := m.expireOne(ctx, res)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				progressed++
			}
		}
		released += progressed

		if len(batch) < m.batch || progressed == 0 {
			break
		}
	}

	if released > 0 {
		m.log.Info("expired stale reservations", "released", released)
	}
	return released, firstErr
}

func (m *Manager) expireOne(ctx context.Context, res Reservation) (bool, error) {
	unlock, err := m.locker.Lock(ctx, res.AccountKey)
	if err != nil {
		return false, m.fail("lock", err)
	}
	defer unlock()

	current, err := m.reservations.GetReservation(ctx, res.ID)
	if err != nil {
		return false, m.fail("get reservation", err)
	}
	if !current.Expired(m.clock.Now()) || current.Quarantined {
		return false, nil
	}
	if err := m.releaseLocked(ctx, current, "expired", OpExpire); err != nil {
		return false, err
	}
	return true, nil
}

// expireAccountLocked lazily releases expired holds of one account.
func (m *Manager) expireAccountLocked(ctx context.Context, accountKey string, now time.Time) error {
	expired, err := m.reservations.ListExpired(ctx, accountKey, now, m.batch)
	if err != nil {
		return m.fail("list expired", err)
	}
	for _, res := range expired {
		if err := m.releaseLocked(ctx, res, "expired", OpExpire); err != nil {
			return err
		}
	}
	return nil
}

// Grant adds purchased or promotional credits to an account.
func (m *Manager) Grant(ctx context.Context, accountKey string, credits int64, reason string) (Balance, error) {
	if accountKey == "" || credits <= 0 {
		return Balance{}, fmt.Errorf("%w: grant needs an account and positive credits", ErrInvalidRequest)
	}

	unlock, err := m.locker.Lock(ctx, accountKey)
	if err != nil {
		return Balance{}, m.fail("lock", err)
	}
	defer unlock()

	bal, err := m.ledger.Adjust(ctx, accountKey, credits, "grant:"+reason)
	if err != nil {
		return Balance{}, m.fail("grant", err)
	}
	m.health.RecordSuccess()
	return bal, nil
}

// Available returns the spendable balance after releasing expired holds.
func (m *Manager) Available(ctx context.Context, accountKey string) (int64, error) {
	unlock, err := m.locker.Lock(ctx, accountKey)
	if err != nil {
		return 0, m.fail("lock", err)
	}
	defer unlock()

	if err := m.expireAccountLocked(ctx, accountKey, m.clock.Now()); err != nil {
		return 0, err
	}
	bal, err := m.ledger.GetOrCreate(ctx, accountKey)
	if err != nil {
		return 0, m.fail("get balance", err)
	}
	m.health.RecordSuccess()
	return bal.Credits, nil
}

// Reservation returns a stored reservation.
func (m *Manager) Reservation(ctx context.Context, id string) (Reservation, error) {
	res, err := m.reservations.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, m.fail("get reservation", err)
	}
	return res, nil
}

// Outcome returns the committed outcome for an idempotency key, if unexpired.
func (m *Manager) Outcome(ctx context.Context, accountKey, idempotencyKey string) (IdempotencyRecord, bool, error) {
	rec, ok, err := m.outcomes.GetOutcome(ctx, accountKey, idempotencyKey)
	if err != nil {
		return IdempotencyRecord{}, false, m.fail("get outcome", err)
	}
	if !ok || !m.clock.Now().Before(rec.ExpiresAt) {
		return IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

// PurgeIdempotency deletes idempotency records that have expired.
func (m *Manager) PurgeIdempotency(ctx context.Context) (int64, error) {
	n, err := m.outcomes.PurgeOutcomes(ctx, m.clock.Now())
	if err != nil {
		return 0, m.fail("purge outcomes", err)
	}
	return n, nil
}

// Quarantine excludes a held reservation from expiry so that its funds stay
// reserved until an operator reconciles it by committing or releasing it.
// The flag is stored with the reservation, so every instance and the sweeper
// honor it.
func (m *Manager) Quarantine(ctx context.Context, reservationID string) error {
	return m.setQuarantined(ctx, reservationID, true)
}

// Unquarantine returns a held reservation to normal expiry handling.
func (m *Manager) Unquarantine(ctx context.Context, reservationID string) error {
	return m.setQuarantined(ctx, reservationID, false)
}

func (m *Manager) setQuarantined(ctx context.Context, reservationID string, quarantined bool) error {
	res, err := m.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return m.fail("get reservation", err)
	}

	unlock, err := m.locker.Lock(ctx, res.AccountKey)
	if err != nil {
		return m.fail("lock", err)
	}
	defer unlock()

	res, err = m.reservations.SetQuarantined(ctx, reservationID, quarantined)
	if err != nil {
		return m.fail("set quarantined", err)
	}
	m.health.RecordSuccess()
	m.log.Warn("reservation quarantine changed",
		"account", res.AccountKey,
		"reservation", res.ID,
		"amount", res.Amount,
		"quarantined", quarantined,
	)
	return nil
}

// PendingReconciliation lists held reservations awaiting reconciliation,
// oldest first.
func (m *Manager) PendingReconciliation(ctx context.Context) ([]Reservation, error) {
	pending, err := m.reservations.ListQuarantined(ctx, 0)
	if err != nil {
		return nil, m.fail("list quarantined", err)
	}
	return pending, nil
}

func (m *Manager) insufficient(ctx context.Context, accountKey string, required int64) error {
	var available int64
	if bal, err := m.ledger.GetOrCreate(ctx, accountKey); err == nil {
		available = bal.Credits
	}
	return &InsufficientFundsError{AccountKey: accountKey, Required: required, Available: available}
}

func (m *Manager) lostRace(op ReservationOp, res Reservation, err error) {
	m.log.Warn("reservation already resolved",
		"op", op,
		"account", res.AccountKey,
		"reservation", res.ID,
		"status", res.Status.String(),
	)
	m.meter.OnReservation(ReservationEvent{
		Op:            op,
		AccountKey:    res.AccountKey,
		ReservationID: res.ID,
		Amount:        res.Amount,
		Error:         err,
	})
}

// fail classifies err and feeds store outages into the breaker.
func (m *Manager) fail(op string, err error) error {
	err = unavailable(op, err)
	if errors.Is(err, ErrLedgerUnavailable) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		m.health.RecordFailure()
	}
	return err
}
