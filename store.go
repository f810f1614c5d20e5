package creditgate

import (
	"context"
	"time"
)

// LedgerStore is the durable credit balance per account key.
type LedgerStore interface {
	// GetOrCreate returns the balance, creating it with the store's starting credits on first access.
	GetOrCreate(ctx context.Context, accountKey string) (Balance, error)

	// Adjust atomically applies delta and appends a ledger entry. A negative delta that would drop
	// the balance below zero fails with ErrInsufficientFunds and changes nothing.
	Adjust(ctx context.Context, accountKey string, delta int64, reason string) (Balance, error)

	// Entries returns the most recent ledger entries, newest first.
	Entries(ctx context.Context, accountKey string, limit int) ([]LedgerEntry, error)
}

// ReservationStore persists credit holds.
type ReservationStore interface {
	// CreateReservation stores a new held reservation. It fails with ErrDuplicateRequest when the account
	// already holds a reservation under the same non-empty idempotency key.
	CreateReservation(ctx context.Context, res Reservation) error

	// GetReservation returns the reservation or ErrReservationNotFound.
	GetReservation(ctx context.Context, id string) (Reservation, error)

	// FindHeld returns the held reservation of an account for an idempotency key, if any.
	FindHeld(ctx context.Context, accountKey, idempotencyKey string) (Reservation, bool, error)

	// Resolve moves a held reservation to a terminal status. It is a compare-and-swap on
	// status = held; when the reservation is no longer held it returns the stored reservation
	// together with ErrAlreadyResolved.
	Resolve(ctx context.Context, change Resolution) (Reservation, error)

	// ListExpired returns held, unquarantined reservations whose ExpiresAt is not after before,
	// oldest first. An empty accountKey lists across all accounts.
	ListExpired(ctx context.Context, accountKey string, before time.Time, limit int) ([]Reservation, error)

	// SetQuarantined flags or clears a held reservation as awaiting reconciliation. It returns
	// ErrAlreadyResolved with the stored reservation when the reservation is no longer held.
	SetQuarantined(ctx context.Context, id string, quarantined bool) (Reservation, error)

	// ListQuarantined returns held reservations flagged as awaiting reconciliation, oldest first.
	ListQuarantined(ctx context.Context, limit int) ([]Reservation, error)
}

// Resolution describes a terminal transition of a reservation.
type Resolution struct {
	ID          string
	To          ReservationStatus
	Fingerprint string
	Reason      string
	At          time.Time
}

// IdempotencyStore persists committed outcomes by idempotency key.
type IdempotencyStore interface {
	// GetOutcome returns the record for (accountKey, key), if present. Expiry is the caller's concern.
	GetOutcome(ctx context.Context, accountKey, key string) (IdempotencyRecord, bool, error)

	// PutOutcome stores a record. It fails with ErrDuplicateRequest if an unexpired record already
	// exists for the key; a record that expired at or before rec.CreatedAt is replaced.
	PutOutcome(ctx context.Context, rec IdempotencyRecord) error

	// PurgeOutcomes removes records that expired before the given time.
	PurgeOutcomes(ctx context.Context, before time.Time) (int64, error)
}

// UsageStore persists trial and free-tier counters.
type UsageStore interface {
	GetTrialUsage(ctx context.Context, email string) (TrialUsage, error)
	IncrementTrial(ctx context.Context, email string, at time.Time) (TrialUsage, error)

	// GetQuotaUsage returns the count within the window containing now. A window that started
	// more than window ago is reported as empty.
	GetQuotaUsage(ctx context.Context, deviceID string, now time.Time, window time.Duration) (QuotaUsage, error)
	IncrementQuota(ctx context.Context, deviceID string, now time.Time, window time.Duration) (QuotaUsage, error)
}

// Store bundles all persistence a Coordinator needs. The store packages all provide one.
type Store interface {
	LedgerStore
	ReservationStore
	IdempotencyStore
	UsageStore
}
