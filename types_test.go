package creditgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReservationStatus_Transitions(t *testing.T) {
	assert.True(t, StatusHeld.CanTransition(StatusCommitted))
	assert.True(t, StatusHeld.CanTransition(StatusReleased))
	assert.False(t, StatusHeld.CanTransition(StatusHeld))
	assert.False(t, StatusCommitted.CanTransition(StatusReleased))
	assert.False(t, StatusReleased.CanTransition(StatusCommitted))

	assert.False(t, StatusHeld.Terminal())
	assert.True(t, StatusCommitted.Terminal())
	assert.True(t, StatusReleased.Terminal())

	for _, s := range []ReservationStatus{StatusHeld, StatusCommitted, StatusReleased} {
		assert.Equal(t, s, ParseReservationStatus(s.String()))
	}
	assert.Equal(t, ReservationStatus(0), ParseReservationStatus("bogus"))
}

func TestReservation_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Reservation{Status: StatusHeld, ExpiresAt: now}

	assert.False(t, r.Expired(now.Add(-time.Nanosecond)))
	assert.True(t, r.Expired(now))

	r.Status = StatusCommitted
	assert.False(t, r.Expired(now.Add(time.Hour)))
}

func TestResult_Fingerprint(t *testing.T) {
	a := Result{Payload: []byte(`{"a":1}`)}
	b := Result{Payload: []byte(`{"a":1}`)}
	c := Result{Payload: []byte(`{"a":2}`)}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestAccountKey(t *testing.T) {
	assert.Equal(t, "photos:sess-1", AccountKey("photos", "sess-1"))
	assert.Equal(t, "sess-1", AccountKey("", "sess-1"))
	assert.NotEqual(t, AccountKey("photos", "s"), AccountKey("docs", "s"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM "))
}
