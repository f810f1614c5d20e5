package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestSweep_ReleasesExpiredHolds(t *testing.T) {
	ctx := context.Background()
	b, err := openBackend(ctx, creditgate.StoreConfig{Driver: creditgate.DriverMemory}, 10)
	require.NoError(t, err)
	defer b.close()

	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mgr := creditgate.NewManager(b.store, b.store, b.store,
		creditgate.WithClock(clock),
		creditgate.WithReservationTTL(time.Minute),
	)

	_, err = mgr.Reserve(ctx, "acct", 4, "job-1")
	require.NoError(t, err)
	clock.now = clock.now.Add(2 * time.Minute)

	var logs bytes.Buffer
	sw := &sweeper{manager: mgr, logger: slog.New(slog.NewJSONHandler(&logs, nil))}
	sw.sweep(ctx)

	avail, err := mgr.Available(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail)
	assert.Contains(t, logs.String(), `"released":1`)
}

// Holds quarantined by an application instance survive the sweeper's own manager.
func TestSweep_LeavesQuarantinedHolds(t *testing.T) {
	ctx := context.Background()
	b, err := openBackend(ctx, creditgate.StoreConfig{
		Driver: creditgate.DriverGorm,
		DSN:    "file:sweeper_quarantine?mode=memory&cache=shared",
	}, 10)
	require.NoError(t, err)
	defer b.close()

	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := []creditgate.Option{
		creditgate.WithClock(clock),
		creditgate.WithReservationTTL(time.Minute),
	}
	app := creditgate.NewManager(b.store, b.store, b.store, opts...)
	r, err := app.Reserve(ctx, "acct", 4, "job-1")
	require.NoError(t, err)
	require.NoError(t, app.Quarantine(ctx, r.Reservation.ID))
	clock.now = clock.now.Add(2 * time.Minute)

	var logs bytes.Buffer
	sw := &sweeper{
		manager: creditgate.NewManager(b.store, b.store, b.store, opts...),
		logger:  slog.New(slog.NewJSONHandler(&logs, nil)),
	}
	sw.sweep(ctx)

	assert.Contains(t, logs.String(), `"released":0`)
	assert.Contains(t, logs.String(), `"pending_reconciliation":1`)
	assert.Contains(t, logs.String(), r.Reservation.ID)

	stored, err := b.store.GetReservation(ctx, r.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, creditgate.StatusHeld, stored.Status)
	bal, err := b.store.GetOrCreate(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(6), bal.Credits)
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	_, err := openBackend(context.Background(), creditgate.StoreConfig{Driver: "cassandra"}, 0)
	assert.Error(t, err)
}

func TestOpenBackend_GormSQLite(t *testing.T) {
	ctx := context.Background()
	b, err := openBackend(ctx, creditgate.StoreConfig{
		Driver: creditgate.DriverGorm,
		DSN:    "file:sweeper_test?mode=memory&cache=shared",
	}, 3)
	require.NoError(t, err)
	defer b.close()

	bal, err := b.store.GetOrCreate(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal.Credits)
}
