package creditgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnavailable(t *testing.T) {
	assert.NoError(t, unavailable("op", nil))

	for _, domain := range []error{ErrInsufficientFunds, ErrDuplicateRequest, ErrReservationNotFound, ErrAlreadyResolved, ErrInvalidRequest} {
		assert.Same(t, domain, unavailable("op", domain))
	}

	err := unavailable("debit", errors.New("dial tcp: refused"))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Contains(t, err.Error(), "debit")

	err = unavailable("lock", context.Canceled)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChargeError_Unwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	err := &ChargeError{Err: ErrWorkFailed, AccountKey: "acct", Path: PathPaid, ReservationID: "r1", Cause: cause}

	assert.ErrorIs(t, err, ErrWorkFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "creditgate: account=acct path=paid reservation=r1: creditgate: unit of work failed: exit status 1", err.Error())
	assert.Equal(t, "processing failed; you were not charged", err.PublicMessage())
}

func TestChargeErrorClassification(t *testing.T) {
	err := chargeError(fmt.Errorf("wrapped: %w", &InsufficientFundsError{AccountKey: "a", Required: 3, Available: 1}), "a", PathPaid, "")
	var ce *ChargeError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrInsufficientFunds, ce.Err)
	assert.Equal(t, int64(3), ce.Required)
	assert.Equal(t, int64(1), ce.Available)

	err = chargeError(errors.New("mystery"), "a", PathPaid, "")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)

	same := &ChargeError{Err: ErrDuplicateRequest}
	assert.Same(t, same, chargeError(same, "a", PathPaid, ""))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{&InsufficientFundsError{}, http.StatusPaymentRequired},
		{ErrIdempotencyKeyRequired, http.StatusBadRequest},
		{ErrInvalidRequest, http.StatusBadRequest},
		{ErrDuplicateRequest, http.StatusConflict},
		{ErrWorkFailed, http.StatusUnprocessableEntity},
		{ErrCommitFailedAfterWork, http.StatusInternalServerError},
		{ErrLedgerUnavailable, http.StatusServiceUnavailable},
		{ErrReservationExpired, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}

func TestIsDenialAndRetryable(t *testing.T) {
	assert.True(t, IsDenial(&InsufficientFundsError{}))
	assert.True(t, IsDenial(ErrIdempotencyKeyRequired))
	assert.False(t, IsDenial(ErrLedgerUnavailable))

	assert.True(t, IsRetryable(ErrLedgerUnavailable))
	assert.True(t, IsRetryable(ErrReservationExpired))
	assert.False(t, IsRetryable(ErrWorkFailed))
	assert.False(t, IsRetryable(ErrCommitFailedAfterWork))
}
