package creditgate

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	ErrInsufficientFunds      = errors.New("creditgate: insufficient funds")
	ErrDuplicateRequest       = errors.New("creditgate: duplicate request in flight")
	ErrLedgerUnavailable      = errors.New("creditgate: ledger unavailable")
	ErrReservationNotFound    = errors.New("creditgate: reservation not found")
	ErrAlreadyResolved        = errors.New("creditgate: reservation already resolved")
	ErrReservationExpired     = errors.New("creditgate: reservation expired before commit")
	ErrCommitFailedAfterWork  = errors.New("creditgate: commit failed after successful work")
	ErrIdempotencyKeyRequired = errors.New("creditgate: idempotency key required for paid charge")
	ErrInvalidRequest         = errors.New("creditgate: invalid request")
	ErrWorkFailed             = errors.New("creditgate: unit of work failed")
)

// ChargeError wraps a sentinel error with billing context.
type ChargeError struct {
	Err           error
	AccountKey    string
	Path          AccessPath
	ReservationID string
	Required      int64
	Available     int64
	Cause         error
}

func (e *ChargeError) Error() string {
	msg := fmt.Sprintf("creditgate: account=%s path=%s", e.AccountKey, e.Path)
	if e.ReservationID != "" {
		msg += " reservation=" + e.ReservationID
	}
	if errors.Is(e.Err, ErrInsufficientFunds) {
		msg += fmt.Sprintf(" required=%d available=%d", e.Required, e.Available)
	}
	msg += ": " + e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ChargeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// PublicMessage is safe to show to the client. Races and outages never
// leak internal state.
func (e *ChargeError) PublicMessage() string {
	switch {
	case errors.Is(e.Err, ErrInsufficientFunds):
		return fmt.Sprintf("insufficient credits: %d required, %d available", e.Required, e.Available)
	case errors.Is(e.Err, ErrIdempotencyKeyRequired):
		return "an idempotency key is required for paid requests"
	case errors.Is(e.Err, ErrInvalidRequest):
		return "invalid request"
	case errors.Is(e.Err, ErrDuplicateRequest):
		return "an identical request is already in progress"
	case errors.Is(e.Err, ErrWorkFailed):
		return "processing failed; you were not charged"
	default:
		return "temporarily unavailable, please try again"
	}
}

// InsufficientFundsError carries the amounts behind an ErrInsufficientFunds.
type InsufficientFundsError struct {
	AccountKey string
	Required   int64
	Available  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("creditgate: insufficient funds: account=%s required=%d available=%d",
		e.AccountKey, e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// IsDenial returns true if the caller can resolve the error by paying or fixing the request.
func IsDenial(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrIdempotencyKeyRequired) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the same request may succeed later unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrReservationExpired) ||
		errors.Is(err, ErrAlreadyResolved)
}

// HTTPStatus maps an engine error to the status a transport should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrIdempotencyKeyRequired), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, ErrWorkFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrCommitFailedAfterWork):
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

// isDomain reports whether err is one of the engine's own outcomes rather
// than a failure of the backing store.
func isDomain(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrInvalidRequest)
}

// unavailable classifies a store error. Domain outcomes pass through;
// everything else fails closed as ErrLedgerUnavailable.
func unavailable(op string, err error) error {
	if err == nil || isDomain(err) || errors.Is(err, ErrLedgerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, op, err)
}
