// Package storetest holds behavior tests shared by every creditgate.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
)

// Factory returns an empty store whose accounts start with startingCredits.
type Factory func(t *testing.T, startingCredits int64) creditgate.Store

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Run runs the full behavior suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore) })
	t.Run("LedgerNoOverdraft", func(t *testing.T) { testNoOverdraft(t, newStore) })
	t.Run("Reservations", func(t *testing.T) { testReservations(t, newStore) })
	t.Run("ResolveOnce", func(t *testing.T) { testResolveOnce(t, newStore) })
	t.Run("ListExpired", func(t *testing.T) { testListExpired(t, newStore) })
	t.Run("Quarantine", func(t *testing.T) { testQuarantine(t, newStore) })
	t.Run("AccountKeysWithSeparators", func(t *testing.T) { testAccountKeysWithSeparators(t, newStore) })
	t.Run("Outcomes", func(t *testing.T) { testOutcomes(t, newStore) })
	t.Run("Usage", func(t *testing.T) { testUsage(t, newStore) })
}

func testLedger(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)

	b, err := s.GetOrCreate(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Credits)

	b, err = s.Adjust(ctx, "acct", -4, "reserve:r1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), b.Credits)

	_, err = s.Adjust(ctx, "acct", -7, "reserve:r2")
	require.ErrorIs(t, err, creditgate.ErrInsufficientFunds)

	b, err = s.Adjust(ctx, "acct", 2, "release:r1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), b.Credits)

	entries, err := s.Entries(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].Delta)
	assert.Equal(t, "release:r1", entries[0].Reason)
	assert.Equal(t, int64(8), entries[0].Balance)
	assert.Equal(t, int64(-4), entries[1].Delta)

	entries, err = s.Entries(ctx, "acct", 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	other, err := s.GetOrCreate(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(10), other.Credits)
}

func testNoOverdraft(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 5)
	_, err := s.GetOrCreate(ctx, "acct")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Adjust(ctx, "acct", -1, "reserve"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	b, err := s.GetOrCreate(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Credits)
}

func held(id, account, key string, expires time.Time) creditgate.Reservation {
	return creditgate.Reservation{
		ID:             id,
		AccountKey:     account,
		Amount:         3,
		Status:         creditgate.StatusHeld,
		IdempotencyKey: key,
		CreatedAt:      base,
		ExpiresAt:      expires,
	}
}

func testReservations(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	_, err := s.GetReservation(ctx, "missing")
	require.ErrorIs(t, err, creditgate.ErrReservationNotFound)

	r := held("r1", "acct", "k1", base.Add(time.Minute))
	require.NoError(t, s.CreateReservation(ctx, r))

	got, err := s.GetReservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, creditgate.StatusHeld, got.Status)
	assert.Equal(t, int64(3), got.Amount)
	assert.Equal(t, "k1", got.IdempotencyKey)
	assert.True(t, got.ExpiresAt.Equal(r.ExpiresAt))

	found, ok, err := s.FindHeld(ctx, "acct", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", found.ID)

	_, ok, err = s.FindHeld(ctx, "other", "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.CreateReservation(ctx, held("r2", "acct", "k1", base.Add(time.Minute)))
	require.ErrorIs(t, err, creditgate.ErrDuplicateRequest)

	// Same key on another account is independent.
	require.NoError(t, s.CreateReservation(ctx, held("r3", "other", "k1", base.Add(time.Minute))))

	// Once resolved, the key may be held again.
	_, err = s.Resolve(ctx, creditgate.Resolution{ID: "r1", To: creditgate.StatusReleased, Reason: "work failed", At: base})
	require.NoError(t, err)
	_, ok, err = s.FindHeld(ctx, "acct", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.CreateReservation(ctx, held("r4", "acct", "k1", base.Add(time.Minute))))
}

func testResolveOnce(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	_, err := s.Resolve(ctx, creditgate.Resolution{ID: "missing", To: creditgate.StatusCommitted, At: base})
	require.ErrorIs(t, err, creditgate.ErrReservationNotFound)

	require.NoError(t, s.CreateReservation(ctx, held("r1", "acct", "", base.Add(time.Minute))))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		to := creditgate.StatusCommitted
		if i%2 == 1 {
			to = creditgate.StatusReleased
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Resolve(ctx, creditgate.Resolution{ID: "r1", To: to, Fingerprint: "fp", At: base})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, creditgate.ErrAlreadyResolved)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	stored, err := s.Resolve(ctx, creditgate.Resolution{ID: "r1", To: creditgate.StatusReleased, At: base})
	require.ErrorIs(t, err, creditgate.ErrAlreadyResolved)
	assert.True(t, stored.Status.Terminal())
	assert.Equal(t, "r1", stored.ID)
}

func testListExpired(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		account := "a"
		if i%2 == 1 {
			account = "b"
		}
		require.NoError(t, s.CreateReservation(ctx, held(id, account, "", base.Add(time.Duration(i)*time.Minute))))
	}
	_, err := s.Resolve(ctx, creditgate.Resolution{ID: "r0", To: creditgate.StatusCommitted, At: base})
	require.NoError(t, err)

	all, err := s.ListExpired(ctx, "", base.Add(3*time.Minute), 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, ids)

	onlyA, err := s.ListExpired(ctx, "a", base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	for _, r := range onlyA {
		assert.Equal(t, "a", r.AccountKey)
	}

	limited, err := s.ListExpired(ctx, "", base.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testQuarantine(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	require.NoError(t, s.CreateReservation(ctx, held("old", "a", "k1", base)))
	require.NoError(t, s.CreateReservation(ctx, held("young", "b", "", base.Add(time.Minute))))

	_, err := s.SetQuarantined(ctx, "missing", true)
	require.ErrorIs(t, err, creditgate.ErrReservationNotFound)

	got, err := s.SetQuarantined(ctx, "old", true)
	require.NoError(t, err)
	assert.True(t, got.Quarantined)
	assert.Equal(t, creditgate.StatusHeld, got.Status)

	// The oldest stale hold is quarantined: a limit of one still reaches the next.
	stale, err := s.ListExpired(ctx, "", base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "young", stale[0].ID)

	stale, err = s.ListExpired(ctx, "a", base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	pending, err := s.ListQuarantined(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].ID)
	assert.True(t, pending[0].Quarantined)

	// The idempotency key stays held while quarantined.
	err = s.CreateReservation(ctx, held("again", "a", "k1", base.Add(time.Hour)))
	require.ErrorIs(t, err, creditgate.ErrDuplicateRequest)

	_, err = s.SetQuarantined(ctx, "old", false)
	require.NoError(t, err)
	stale, err = s.ListExpired(ctx, "a", base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
	pending, err = s.ListQuarantined(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A resolved reservation leaves reconciliation and cannot be flagged again.
	_, err = s.SetQuarantined(ctx, "old", true)
	require.NoError(t, err)
	_, err = s.Resolve(ctx, creditgate.Resolution{ID: "old", To: creditgate.StatusReleased, Reason: "reconciled", At: base})
	require.NoError(t, err)
	pending, err = s.ListQuarantined(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := s.SetQuarantined(ctx, "old", true)
	require.ErrorIs(t, err, creditgate.ErrAlreadyResolved)
	assert.Equal(t, creditgate.StatusReleased, stored.Status)
}

// Account keys are namespaced as product:session, so a separator inside the
// account must not let two accounts share a held key or an outcome.
func testAccountKeysWithSeparators(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	require.NoError(t, s.CreateReservation(ctx, held("r1", "p:s", "k", base.Add(time.Minute))))
	require.NoError(t, s.CreateReservation(ctx, held("r2", "p", "s:k", base.Add(time.Minute))))

	found, ok, err := s.FindHeld(ctx, "p", "s:k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", found.ID)

	rec := creditgate.IdempotencyRecord{
		Key:           "k",
		AccountKey:    "p:s",
		ReservationID: "r1",
		Charged:       3,
		Fingerprint:   "fp",
		CreatedAt:     base,
		ExpiresAt:     base.Add(time.Hour),
	}
	require.NoError(t, s.PutOutcome(ctx, rec))

	_, ok, err = s.GetOutcome(ctx, "p", "s:k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testOutcomes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	_, ok, err := s.GetOutcome(ctx, "acct", "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := creditgate.IdempotencyRecord{
		Key:           "k1",
		AccountKey:    "acct",
		ReservationID: "r1",
		Charged:       3,
		Fingerprint:   "fp",
		Payload:       []byte(`{"a":1}`),
		CreatedAt:     base,
		ExpiresAt:     base.Add(time.Hour),
	}
	require.NoError(t, s.PutOutcome(ctx, rec))

	got, ok, err := s.GetOutcome(ctx, "acct", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ReservationID)
	assert.Equal(t, int64(3), got.Charged)
	assert.Equal(t, `{"a":1}`, string(got.Payload))
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))

	dup := rec
	dup.ReservationID = "r2"
	dup.CreatedAt = base.Add(time.Minute)
	require.ErrorIs(t, s.PutOutcome(ctx, dup), creditgate.ErrDuplicateRequest)

	// An expired record gives way.
	late := rec
	late.ReservationID = "r3"
	late.CreatedAt = base.Add(2 * time.Hour)
	late.ExpiresAt = base.Add(3 * time.Hour)
	require.NoError(t, s.PutOutcome(ctx, late))

	other := rec
	other.Key = "k2"
	other.ExpiresAt = base.Add(30 * time.Minute)
	require.NoError(t, s.PutOutcome(ctx, other))

	n, err := s.PurgeOutcomes(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = s.GetOutcome(ctx, "acct", "k2")
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err = s.GetOutcome(ctx, "acct", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r3", got.ReservationID)
}

func testUsage(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 0)

	u, err := s.GetTrialUsage(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Uses)

	_, err = s.IncrementTrial(ctx, "a@example.com", base)
	require.NoError(t, err)
	u, err = s.IncrementTrial(ctx, "a@example.com", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Uses)

	u, err = s.GetTrialUsage(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Uses)

	window := time.Hour
	q, err := s.GetQuotaUsage(ctx, "dev", base, window)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Count)

	_, err = s.IncrementQuota(ctx, "dev", base, window)
	require.NoError(t, err)
	q, err = s.IncrementQuota(ctx, "dev", base.Add(10*time.Minute), window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), q.Count)

	q, err = s.GetQuotaUsage(ctx, "dev", base.Add(59*time.Minute), window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), q.Count)

	// Window elapsed.
	q, err = s.GetQuotaUsage(ctx, "dev", base.Add(61*time.Minute), window)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Count)

	q, err = s.IncrementQuota(ctx, "dev", base.Add(61*time.Minute), window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Count)
}
