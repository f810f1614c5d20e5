package creditgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Balance is the credit balance of one billable account.
// Credits never drop below zero; amounts held by open reservations are
// already deducted, so Credits is the spendable view.
type Balance struct {
	AccountKey string
	Credits    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LedgerEntry is an immutable audit record appended by every adjustment.
type LedgerEntry struct {
	ID         string
	AccountKey string
	Delta      int64
	Reason     string
	Balance    int64 // resulting balance
	CreatedAt  time.Time
}

// ReservationStatus is the state of a credit hold.
type ReservationStatus int

const (
	StatusHeld ReservationStatus = iota + 1
	StatusCommitted
	StatusReleased
)

func (s ReservationStatus) String() string {
	switch s {
	case StatusHeld:
		return "held"
	case StatusCommitted:
		return "committed"
	case StatusReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave s.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case StatusCommitted, StatusReleased:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> to is a legal transition.
// Only held reservations move, and only to a terminal state.
func (s ReservationStatus) CanTransition(to ReservationStatus) bool {
	switch s {
	case StatusHeld:
		return to == StatusCommitted || to == StatusReleased
	case StatusCommitted, StatusReleased:
		return false
	default:
		return false
	}
}

// ParseReservationStatus is the inverse of ReservationStatus.String.
func ParseReservationStatus(s string) ReservationStatus {
	switch s {
	case "held":
		return StatusHeld
	case "committed":
		return StatusCommitted
	case "released":
		return StatusReleased
	default:
		return 0
	}
}

// Reservation is a temporary hold on credits pending the outcome of paid work.
type Reservation struct {
	ID             string
	AccountKey     string
	Amount         int64
	Status         ReservationStatus
	IdempotencyKey string
	Fingerprint    string // set on commit
	Reason         string // set on release
	Quarantined    bool   // awaiting operator reconciliation, never expired
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ResolvedAt     time.Time
}

// Expired reports whether the hold outlived its TTL at now.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == StatusHeld && !now.Before(r.ExpiresAt)
}

// IdempotencyRecord is the stored terminal outcome of a committed charge.
type IdempotencyRecord struct {
	Key           string
	AccountKey    string
	ReservationID string
	Charged       int64
	Fingerprint   string
	Payload       []byte
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// TrialUsage counts free-trial uses of one normalized email.
type TrialUsage struct {
	Email      string
	Uses       int64
	LastUsedAt time.Time
}

// QuotaUsage counts free-tier uses of one device or IP fingerprint within a window.
type QuotaUsage struct {
	DeviceID    string
	Count       int64
	WindowStart time.Time
}

// AccessPath is the way a request is allowed to proceed.
type AccessPath string

const (
	PathTrial AccessPath = "trial"
	PathQuota AccessPath = "quota"
	PathPaid  AccessPath = "paid"
)

// Identity carries the identity signals of one request.
type Identity struct {
	AccountKey string // session or namespaced product session id
	TrialEmail string // externally verified email, may be empty
	DeviceID   string // device or IP fingerprint, may be empty
}

// Job describes the paid operation for pricing.
type Job struct {
	Category  string
	SizeBytes int64
	Tier      string
}

// Result is the product of a unit of work.
type Result struct {
	Payload []byte
}

// Fingerprint is a stable digest of the result payload.
func (r Result) Fingerprint() string {
	sum := sha256.Sum256(r.Payload)
	return hex.EncodeToString(sum[:])
}

// UnitOfWork is the caller-supplied paid operation.
type UnitOfWork func(ctx context.Context) (Result, error)

// Outcome is what a successful Charge returns.
type Outcome struct {
	Path          AccessPath
	Charged       int64
	ReservationID string
	Result        Result
	Replayed      bool
}

// AccountKey namespaces a raw session id by product so that balances of
// different products stay isolated. An empty product returns the session id.
func AccountKey(product, sessionID string) string {
	if product == "" {
		return sessionID
	}
	return product + ":" + sessionID
}

// NormalizeEmail lowercases and trims an email for use as a counter key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
