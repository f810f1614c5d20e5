package creditgate_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/extractor/mock"
	"github.com/ineyio/creditgate/pricing"
	"github.com/ineyio/creditgate/store/memory"
)

func newTestCoordinator(t *testing.T, store cg.Store, opts ...cg.Option) *cg.Coordinator {
	t.Helper()
	opts = append([]cg.Option{
		cg.WithLogger(quietLogger),
		cg.WithCommitRetries(2, time.Millisecond),
	}, opts...)
	return cg.NewCoordinator(store, opts...)
}

func paid(account, key string, cost int64) cg.ChargeRequest {
	return cg.ChargeRequest{
		Identity:       cg.Identity{AccountKey: account},
		Cost:           cost,
		IdempotencyKey: key,
	}
}

func balanceOf(t *testing.T, c *cg.Coordinator, account string) int64 {
	t.Helper()
	n, err := c.Manager().Available(context.Background(), account)
	require.NoError(t, err)
	return n
}

func chargeErr(t *testing.T, err error) *cg.ChargeError {
	t.Helper()
	var ce *cg.ChargeError
	require.ErrorAs(t, err, &ce)
	return ce
}

// Two concurrent charges of 3 against a balance of 5: exactly one is served.
func TestCharge_ConcurrentChargesNeverOverdraw(t *testing.T) {
	store := memory.New(memory.WithStartingCredits(5))
	c := newTestCoordinator(t, store)
	ex := mock.New(mock.WithLatency(20 * time.Millisecond))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []string{"job-a", "job-b"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, errs[i] = c.Charge(context.Background(), paid("acct", key, 3),
				cg.ExtractionWork(ex, cg.ExtractRequest{Path: key}))
		}(i, key)
	}
	wg.Wait()

	var served, denied int
	for _, err := range errs {
		switch {
		case err == nil:
			served++
		case errors.Is(err, cg.ErrInsufficientFunds):
			denied++
			assert.Equal(t, http.StatusPaymentRequired, cg.HTTPStatus(err))
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, served)
	assert.Equal(t, 1, denied)
	assert.Equal(t, int64(2), balanceOf(t, c, "acct"))
	assert.LessOrEqual(t, ex.Calls(), int64(2))
}

func TestCharge_PaidSuccessRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(10)),
		cg.WithPricer(pricing.Flat{Credits: 3}),
	)
	ex := mock.New(mock.WithPayload([]byte(`{"camera":"x100"}`)))

	out, err := c.Charge(ctx, cg.ChargeRequest{
		Identity:       cg.Identity{AccountKey: "acct"},
		Job:            cg.Job{Category: "image"},
		IdempotencyKey: "job-1",
	}, cg.ExtractionWork(ex, cg.ExtractRequest{Path: "a.jpg"}))
	require.NoError(t, err)

	assert.Equal(t, cg.PathPaid, out.Path)
	assert.Equal(t, int64(3), out.Charged)
	assert.False(t, out.Replayed)
	assert.JSONEq(t, `{"camera":"x100"}`, string(out.Result.Payload))
	assert.Equal(t, int64(7), balanceOf(t, c, "acct"))

	res, err := c.Manager().Reservation(ctx, out.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, cg.StatusCommitted, res.Status)

	rec, found, err := c.Manager().Outcome(ctx, "acct", "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, out.ReservationID, rec.ReservationID)
	assert.Equal(t, out.Result.Fingerprint(), rec.Fingerprint)
}

func TestCharge_ReplayRunsWorkOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(10)))
	ex := mock.New()
	work := cg.ExtractionWork(ex, cg.ExtractRequest{Path: "a.jpg"})

	first, err := c.Charge(ctx, paid("acct", "job-1", 4), work)
	require.NoError(t, err)

	second, err := c.Charge(ctx, paid("acct", "job-1", 4), work)
	require.NoError(t, err)

	assert.Equal(t, int64(1), ex.Calls())
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ReservationID, second.ReservationID)
	assert.Equal(t, first.Result.Payload, second.Result.Payload)
	assert.Equal(t, int64(4), second.Charged)
	assert.Equal(t, int64(6), balanceOf(t, c, "acct"))
}

// A paid-for result can be fetched again after the balance ran out.
func TestCharge_ReplayWithEmptyBalance(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(3)))

	_, err := c.Charge(ctx, paid("acct", "job-1", 3), workReturning("result"))
	require.NoError(t, err)
	require.Zero(t, balanceOf(t, c, "acct"))

	out, err := c.Charge(ctx, paid("acct", "job-1", 3), workReturning("ignored"))
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, "result", string(out.Result.Payload))
}

func TestCharge_FailsClosedWithoutRunningWork(t *testing.T) {
	for _, method := range []string{"GetOutcome", "GetOrCreate", "Adjust"} {
		t.Run(method, func(t *testing.T) {
			store := newFaultyStore(memory.New(memory.WithStartingCredits(10)))
			c := newTestCoordinator(t, store)
			ex := mock.New()

			store.failOn(method, -1)
			_, err := c.Charge(context.Background(), paid("acct", "job-1", 2),
				cg.ExtractionWork(ex, cg.ExtractRequest{Path: "a"}))
			require.ErrorIs(t, err, cg.ErrLedgerUnavailable)
			assert.Equal(t, http.StatusServiceUnavailable, cg.HTTPStatus(err))
			assert.Equal(t, "temporarily unavailable, please try again", chargeErr(t, err).PublicMessage())
			assert.Zero(t, ex.Calls())

			store.heal()
			assert.Equal(t, int64(10), balanceOf(t, c, "acct"))
		})
	}
}

func TestCharge_WorkFailureIsNotCharged(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(10)))
	ex := mock.New(mock.WithError(errors.New("unsupported format")))

	out, err := c.Charge(ctx, paid("acct", "job-1", 4), cg.ExtractionWork(ex, cg.ExtractRequest{Path: "a.bin"}))
	require.ErrorIs(t, err, cg.ErrWorkFailed)
	assert.Contains(t, err.Error(), "unsupported format")
	assert.Equal(t, http.StatusUnprocessableEntity, cg.HTTPStatus(err))
	assert.Equal(t, int64(10), balanceOf(t, c, "acct"))

	res, err := c.Manager().Reservation(ctx, out.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, cg.StatusReleased, res.Status)

	// The key is free for a retry once the work failed.
	_, err = c.Charge(ctx, paid("acct", "job-1", 4), workReturning("second try"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), balanceOf(t, c, "acct"))
}

func TestCharge_MissingIdempotencyKey(t *testing.T) {
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(10)))
	ex := mock.New()

	_, err := c.Charge(context.Background(), paid("acct", "", 2), cg.ExtractionWork(ex, cg.ExtractRequest{Path: "a"}))
	require.ErrorIs(t, err, cg.ErrIdempotencyKeyRequired)
	assert.Equal(t, http.StatusBadRequest, cg.HTTPStatus(err))
	assert.True(t, cg.IsDenial(err))
	assert.Equal(t, cg.PathPaid, chargeErr(t, err).Path)
	assert.Zero(t, ex.Calls())
	assert.Equal(t, int64(10), balanceOf(t, c, "acct"))
}

// A missing key is a client error even when the balance could not cover the charge.
func TestCharge_MissingIdempotencyKeyBeforeBalance(t *testing.T) {
	store := newFaultyStore(memory.New(memory.WithStartingCredits(1)))
	c := newTestCoordinator(t, store)

	_, err := c.Charge(context.Background(), paid("acct", "", 5), workReturning("x"))
	require.ErrorIs(t, err, cg.ErrIdempotencyKeyRequired)
	assert.Equal(t, http.StatusBadRequest, cg.HTTPStatus(err))
	assert.Zero(t, store.callCount("GetOrCreate"))
}

func TestCharge_UsageOutageLabelsEvaluatedPath(t *testing.T) {
	store := newFaultyStore(memory.New(memory.WithStartingCredits(10)))
	c := newTestCoordinator(t, store)

	store.failOn("GetTrialUsage", -1)
	_, err := c.Charge(context.Background(), cg.ChargeRequest{
		Identity:       cg.Identity{AccountKey: "acct", TrialEmail: "a@b.c"},
		Cost:           2,
		IdempotencyKey: "job-1",
	}, workReturning("x"))
	require.ErrorIs(t, err, cg.ErrLedgerUnavailable)
	assert.Equal(t, cg.PathTrial, chargeErr(t, err).Path)
}

func TestCharge_DuplicateInFlight(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(10)))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Charge(ctx, paid("acct", "job-1", 2), func(context.Context) (cg.Result, error) {
			close(started)
			<-release
			return cg.Result{Payload: []byte("x")}, nil
		})
		done <- err
	}()
	<-started

	_, err := c.Charge(ctx, paid("acct", "job-1", 2), workReturning("y"))
	require.ErrorIs(t, err, cg.ErrDuplicateRequest)
	assert.Equal(t, http.StatusConflict, cg.HTTPStatus(err))
	assert.True(t, cg.IsRetryable(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(8), balanceOf(t, c, "acct"))
}

func TestCharge_TrialThenPaid(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.WithStartingCredits(10))
	c := newTestCoordinator(t, store, cg.WithTrialLimit(2))

	req := func(email, key string) cg.ChargeRequest {
		return cg.ChargeRequest{
			Identity:       cg.Identity{AccountKey: "acct", TrialEmail: email},
			Cost:           3,
			IdempotencyKey: key,
		}
	}

	out, err := c.Charge(ctx, req("Alice@Example.com ", ""), workReturning("1"))
	require.NoError(t, err)
	assert.Equal(t, cg.PathTrial, out.Path)
	assert.Zero(t, out.Charged)

	out, err = c.Charge(ctx, req("alice@example.com", ""), workReturning("2"))
	require.NoError(t, err)
	assert.Equal(t, cg.PathTrial, out.Path)

	// Exhausted: the third call needs credits and a key.
	_, err = c.Charge(ctx, req("alice@example.com", ""), workReturning("3"))
	require.ErrorIs(t, err, cg.ErrIdempotencyKeyRequired)

	out, err = c.Charge(ctx, req("alice@example.com", "job-3"), workReturning("3"))
	require.NoError(t, err)
	assert.Equal(t, cg.PathPaid, out.Path)
	assert.Equal(t, int64(3), out.Charged)
	assert.Equal(t, int64(7), balanceOf(t, c, "acct"))

	u, err := store.GetTrialUsage(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Uses)
}

func TestCharge_FailedFreeWorkKeepsAllowance(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := newTestCoordinator(t, store, cg.WithTrialLimit(1))

	failing := func(context.Context) (cg.Result, error) { return cg.Result{}, errors.New("boom") }
	_, err := c.Charge(ctx, cg.ChargeRequest{Identity: cg.Identity{TrialEmail: "a@b.c"}}, failing)
	require.ErrorIs(t, err, cg.ErrWorkFailed)

	left, err := c.Tracker().TrialRemaining(ctx, "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestCharge_FreeTierWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCoordinator(t, memory.New(),
		cg.WithClock(clock),
		cg.WithFreeTier(1, time.Hour),
	)
	anon := cg.ChargeRequest{Identity: cg.Identity{DeviceID: "dev-1"}}

	out, err := c.Charge(ctx, anon, workReturning("1"))
	require.NoError(t, err)
	assert.Equal(t, cg.PathQuota, out.Path)

	// No account to fall back on.
	_, err = c.Charge(ctx, anon, workReturning("2"))
	require.ErrorIs(t, err, cg.ErrInvalidRequest)

	clock.Advance(time.Hour)
	out, err = c.Charge(ctx, anon, workReturning("3"))
	require.NoError(t, err)
	assert.Equal(t, cg.PathQuota, out.Path)
}

func TestCharge_UsageRecordFailureStillServes(t *testing.T) {
	store := newFaultyStore(memory.New())
	c := newTestCoordinator(t, store, cg.WithTrialLimit(1))

	store.failOn("IncrementTrial", 1)
	out, err := c.Charge(context.Background(), cg.ChargeRequest{Identity: cg.Identity{TrialEmail: "a@b.c"}}, workReturning("x"))
	require.NoError(t, err)
	assert.Equal(t, cg.PathTrial, out.Path)
	assert.Equal(t, 1, store.callCount("IncrementTrial"))
}

func TestCharge_CommitRetriesThenQuarantines(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newFaultyStore(memory.New(memory.WithStartingCredits(10)))
	opts := []cg.Option{cg.WithClock(clock), cg.WithReservationTTL(time.Minute)}
	c := newTestCoordinator(t, store, opts...)

	store.failOn("Resolve", -1)
	out, err := c.Charge(ctx, paid("acct", "job-1", 4), workReturning("done"))
	require.ErrorIs(t, err, cg.ErrCommitFailedAfterWork)
	assert.Equal(t, http.StatusInternalServerError, cg.HTTPStatus(err))
	assert.Empty(t, out.Result.Payload)
	assert.Equal(t, 3, store.callCount("Resolve"))

	pending, err := c.Manager().PendingReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, out.ReservationID, pending[0].ID)

	store.heal()
	clock.Advance(2 * time.Minute)

	// The hold survives the TTL, in this process and in a separate sweeper.
	released, err := c.Manager().ExpireStaleReservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	sweeper := cg.NewManager(store, store, store, append(opts, cg.WithLogger(quietLogger))...)
	released, err = sweeper.ExpireStaleReservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	res, err := sweeper.Reservation(ctx, out.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, cg.StatusHeld, res.Status)
	assert.Equal(t, int64(6), balanceOf(t, c, "acct"))
}

func TestCharge_QuarantineRetriedWhileStoreDown(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore(memory.New(memory.WithStartingCredits(10)))
	c := newTestCoordinator(t, store)

	store.failOn("Resolve", -1)
	store.failOn("SetQuarantined", 1)
	out, err := c.Charge(ctx, paid("acct", "job-1", 4), workReturning("done"))
	require.ErrorIs(t, err, cg.ErrCommitFailedAfterWork)
	assert.Equal(t, 2, store.callCount("SetQuarantined"))

	res, err := c.Manager().Reservation(ctx, out.ReservationID)
	require.NoError(t, err)
	assert.True(t, res.Quarantined)
	assert.Equal(t, cg.StatusHeld, res.Status)
}

func TestCharge_CommitRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore(memory.New(memory.WithStartingCredits(10)))
	c := newTestCoordinator(t, store)

	store.failOn("Resolve", 1)
	out, err := c.Charge(ctx, paid("acct", "job-1", 4), workReturning("done"))
	require.NoError(t, err)
	assert.Equal(t, "done", string(out.Result.Payload))
	assert.Equal(t, 2, store.callCount("Resolve"))

	pending, err := c.Manager().PendingReconciliation(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCharge_ExpiredDuringWorkWithholdsResult(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(10)),
		cg.WithClock(clock),
		cg.WithReservationTTL(time.Minute),
	)

	out, err := c.Charge(ctx, paid("acct", "job-1", 4), func(ctx context.Context) (cg.Result, error) {
		clock.Advance(2 * time.Minute)
		if _, err := c.Manager().ExpireStaleReservations(ctx); err != nil {
			return cg.Result{}, err
		}
		return cg.Result{Payload: []byte("too late")}, nil
	})
	require.ErrorIs(t, err, cg.ErrReservationExpired)
	assert.Empty(t, out.Result.Payload)
	assert.Equal(t, int64(10), balanceOf(t, c, "acct"))

	_, found, err := c.Manager().Outcome(ctx, "acct", "job-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCharge_InsufficientFundsDetails(t *testing.T) {
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(2)))

	_, err := c.Charge(context.Background(), paid("acct", "job-1", 5), workReturning("x"))
	ce := chargeErr(t, err)
	assert.ErrorIs(t, ce, cg.ErrInsufficientFunds)
	assert.Equal(t, int64(5), ce.Required)
	assert.Equal(t, int64(2), ce.Available)
	assert.Equal(t, "insufficient credits: 5 required, 2 available", ce.PublicMessage())
}

func TestCharge_EmitsChargeEvents(t *testing.T) {
	meter := &recordingMeter{}
	c := newTestCoordinator(t, memory.New(memory.WithStartingCredits(10)), cg.WithMeter(meter))

	_, err := c.Charge(context.Background(), paid("acct", "job-1", 2), workReturning("x"))
	require.NoError(t, err)
	_, err = c.Charge(context.Background(), paid("acct", "job-1", 2), workReturning("x"))
	require.NoError(t, err)

	meter.mu.Lock()
	defer meter.mu.Unlock()
	require.Len(t, meter.charges, 2)
	assert.True(t, meter.charges[0].Success)
	assert.Equal(t, int64(2), meter.charges[0].Charged)
	assert.False(t, meter.charges[0].Replayed)
	assert.True(t, meter.charges[1].Replayed)
	require.Len(t, meter.decisions, 1)
	assert.Equal(t, cg.PathPaid, meter.decisions[0].Path)
}
