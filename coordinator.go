package creditgate

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ChargeRequest is one gated request.
type ChargeRequest struct {
	Identity       Identity
	Job            Job
	Cost           int64  // overrides the priced cost when positive
	IdempotencyKey string // required on the paid path
}

// Coordinator runs a unit of work behind the access decision and the
// reserve -> work -> commit | release protocol.
type Coordinator struct {
	manager *Manager
	tracker *Tracker
	engine  *AccessEngine
	clock   Clock
	meter   Meter
	log     *slog.Logger
	ttl     time.Duration
	retries int
	backoff time.Duration
}

// NewCoordinator creates a Coordinator whose components share store and options.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	s := newSettings(opts)
	manager := newManager(store, store, store, s)
	tracker := newTracker(store, s)

	return &Coordinator{
		manager: manager,
		tracker: tracker,
		engine:  newAccessEngine(tracker, manager, s),
		clock:   s.clock,
		meter:   s.meter,
		log:     s.logger,
		ttl:     s.reservationTTL,
		retries: s.commitRetries,
		backoff: s.commitBackoff,
	}
}

// Manager returns the underlying reservation manager.
func (c *Coordinator) Manager() *Manager { return c.manager }

// Tracker returns the underlying trial and quota tracker.
func (c *Coordinator) Tracker() *Tracker { return c.tracker }

// Engine returns the underlying access decision engine.
func (c *Coordinator) Engine() *AccessEngine { return c.engine }

// Charge decides how req may proceed and runs work accordingly.
//
// On the paid path work runs only after its cost is reserved, and its result
// is returned only after the charge is committed. A retried request whose
// idempotency key already committed returns the stored result without
// running work again. Failed work is never charged.
func (c *Coordinator) Charge(ctx context.Context, req ChargeRequest, work UnitOfWork) (Outcome, error) {
	start := c.clock.Now()
	out, err := c.charge(ctx, req, work)

	c.meter.OnCharge(ChargeEvent{
		AccountKey: req.Identity.AccountKey,
		Path:       out.Path,
		Charged:    out.Charged,
		Replayed:   out.Replayed,
		Success:    err == nil,
		Duration:   c.clock.Now().Sub(start),
		Error:      err,
	})
	return out, err
}

func (c *Coordinator) charge(ctx context.Context, req ChargeRequest, work UnitOfWork) (Outcome, error) {
	id := req.Identity

	// A retry of a committed request replays before any balance check,
	// the balance may no longer cover a charge that was already paid.
	if id.AccountKey != "" && req.IdempotencyKey != "" {
		rec, ok, err := c.manager.Outcome(ctx, id.AccountKey, req.IdempotencyKey)
		if err != nil {
			return Outcome{Path: PathPaid}, chargeError(err, id.AccountKey, PathPaid, "")
		}
		if ok {
			return replayed(rec), nil
		}
	}

	d, err := c.engine.decideWith(ctx, id, req.Job, req.Cost, func() error {
		if req.IdempotencyKey == "" {
			return ErrIdempotencyKeyRequired
		}
		return nil
	})
	if err != nil {
		return Outcome{Path: d.Path}, chargeError(err, id.AccountKey, d.Path, "")
	}

	switch d.Path {
	case PathTrial, PathQuota:
		return c.chargeFree(ctx, req, d, work)
	default:
		return c.chargePaid(ctx, req, d, work)
	}
}

func (c *Coordinator) chargeFree(ctx context.Context, req ChargeRequest, d Decision, work UnitOfWork) (Outcome, error) {
	id := req.Identity

	result, err := c.run(ctx, work)
	if err != nil {
		return Outcome{Path: d.Path}, &ChargeError{Err: ErrWorkFailed, AccountKey: id.AccountKey, Path: d.Path, Cause: err}
	}

	var rerr error
	if d.Path == PathTrial {
		_, rerr = c.tracker.RecordTrial(context.WithoutCancel(ctx), id.TrialEmail)
	} else {
		_, rerr = c.tracker.RecordQuota(context.WithoutCancel(ctx), id.DeviceID)
	}
	if rerr != nil {
		c.log.Error("free usage not recorded",
			"account", id.AccountKey,
			"path", d.Path,
			"error", rerr,
		)
	}

	return Outcome{Path: d.Path, Result: result}, nil
}

func (c *Coordinator) chargePaid(ctx context.Context, req ChargeRequest, d Decision, work UnitOfWork) (Outcome, error) {
	account := req.Identity.AccountKey

	reserved, err := c.manager.Reserve(ctx, account, d.Cost, req.IdempotencyKey)
	if err != nil {
		return Outcome{Path: PathPaid}, chargeError(err, account, PathPaid, "")
	}
	if reserved.Replay != nil {
		return replayed(*reserved.Replay), nil
	}
	res := reserved.Reservation

	result, err := c.run(ctx, work)
	if err != nil {
		if rerr := c.manager.Release(context.WithoutCancel(ctx), res.ID, "work failed"); rerr != nil {
			c.log.Error("release after failed work",
				"account", account,
				"reservation", res.ID,
				"amount", res.Amount,
				"error", rerr,
			)
		}
		return Outcome{Path: PathPaid, ReservationID: res.ID}, &ChargeError{
			Err:           ErrWorkFailed,
			AccountKey:    account,
			Path:          PathPaid,
			ReservationID: res.ID,
			Cause:         err,
		}
	}

	if err := c.commit(ctx, res.ID, result); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			c.log.Warn("reservation expired before commit, result withheld",
				"account", account,
				"reservation", res.ID,
			)
			return Outcome{Path: PathPaid, ReservationID: res.ID}, &ChargeError{
				Err:           ErrReservationExpired,
				AccountKey:    account,
				Path:          PathPaid,
				ReservationID: res.ID,
				Cause:         err,
			}
		}

		c.log.Error("commit failed after successful work",
			"account", account,
			"reservation", res.ID,
			"amount", res.Amount,
			"error", err,
		)
		qctx := context.WithoutCancel(ctx)
		if qerr := c.retry(func() error { return c.manager.Quarantine(qctx, res.ID) }); qerr != nil {
			c.log.Error("reservation not quarantined, hold may expire",
				"account", account,
				"reservation", res.ID,
				"amount", res.Amount,
				"error", qerr,
			)
		}
		return Outcome{Path: PathPaid, ReservationID: res.ID}, &ChargeError{
			Err:           ErrCommitFailedAfterWork,
			AccountKey:    account,
			Path:          PathPaid,
			ReservationID: res.ID,
			Cause:         err,
		}
	}

	return Outcome{
		Path:          PathPaid,
		Charged:       res.Amount,
		ReservationID: res.ID,
		Result:        result,
	}, nil
}

// run executes work under the reservation TTL so that a hold never outlives
// the work it guards.
func (c *Coordinator) run(ctx context.Context, work UnitOfWork) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ttl)
	defer cancel()
	return work(ctx)
}

// commit retries while the store is unavailable. The caller's cancellation
// does not abort it: the work already happened.
func (c *Coordinator) commit(ctx context.Context, id string, result Result) error {
	ctx = context.WithoutCancel(ctx)
	return c.retry(func() error { return c.manager.Commit(ctx, id, result) })
}

// retry runs op until it succeeds, fails for a reason other than store
// unavailability, or the retries run out. Backoff grows linearly.
func (c *Coordinator) retry(op func() error) error {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.backoff * time.Duration(attempt))
		}
		err = op()
		if err == nil || !errors.Is(err, ErrLedgerUnavailable) {
			return err
		}
	}
	return err
}

func replayed(rec IdempotencyRecord) Outcome {
	return Outcome{
		Path:          PathPaid,
		Charged:       rec.Charged,
		ReservationID: rec.ReservationID,
		Result:        Result{Payload: rec.Payload},
		Replayed:      true,
	}
}

var chargeKinds = []error{
	ErrInsufficientFunds,
	ErrIdempotencyKeyRequired,
	ErrInvalidRequest,
	ErrDuplicateRequest,
	ErrReservationNotFound,
	ErrAlreadyResolved,
	ErrReservationExpired,
	ErrCommitFailedAfterWork,
	ErrWorkFailed,
	ErrLedgerUnavailable,
}

// chargeError wraps err into a *ChargeError. Unclassified errors fail closed.
func chargeError(err error, account string, path AccessPath, reservationID string) error {
	var ce *ChargeError
	if errors.As(err, &ce) {
		return err
	}

	kind := ErrLedgerUnavailable
	for _, k := range chargeKinds {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}

	out := &ChargeError{Err: kind, AccountKey: account, Path: path, ReservationID: reservationID}
	if err != kind {
		out.Cause = err
	}

	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		out.Required = insufficient.Required
		out.Available = insufficient.Available
	}
	return out
}
