package creditgate

import (
	"context"
	"fmt"
)

// BalanceReader reports the spendable balance of an account. *Manager implements it.
type BalanceReader interface {
	Available(ctx context.Context, accountKey string) (int64, error)
}

// Decision is the chosen access path for one request.
type Decision struct {
	Path      AccessPath
	Cost      int64
	Reason    string
	Remaining int64 // trial or quota uses left before this request; balance for paid
}

// AccessEngine chooses between trial, free-tier quota and paid access.
type AccessEngine struct {
	tracker  *Tracker
	balances BalanceReader
	pricer   Pricer
	meter    Meter
}

// NewAccessEngine creates an AccessEngine.
func NewAccessEngine(tracker *Tracker, balances BalanceReader, opts ...Option) *AccessEngine {
	return newAccessEngine(tracker, balances, newSettings(opts))
}

func newAccessEngine(tracker *Tracker, balances BalanceReader, s settings) *AccessEngine {
	return &AccessEngine{
		tracker:  tracker,
		balances: balances,
		pricer:   s.pricer,
		meter:    s.meter,
	}
}

// Decide picks the access path in priority order: a verified trial email
// with uses left, then a device quota with allowance left, then paid.
// costOverride, when positive, replaces the priced cost of the paid path.
//
// The paid path is denied with an *InsufficientFundsError when the balance
// cannot cover the cost. That check is advisory; Reserve is authoritative.
// On error the returned Decision carries only the path being evaluated.
func (e *AccessEngine) Decide(ctx context.Context, id Identity, job Job, costOverride int64) (Decision, error) {
	return e.decideWith(ctx, id, job, costOverride, nil)
}

// decideWith runs admitPaid, when set, once the free paths are exhausted and
// before the paid cost is priced or the balance is read.
func (e *AccessEngine) decideWith(ctx context.Context, id Identity, job Job, costOverride int64, admitPaid func() error) (Decision, error) {
	d, err := e.decide(ctx, id, job, costOverride, admitPaid)
	if err != nil {
		return Decision{Path: d.Path}, err
	}
	e.meter.OnDecision(DecisionEvent{
		AccountKey: id.AccountKey,
		Path:       d.Path,
		Cost:       d.Cost,
		Reason:     d.Reason,
	})
	return d, nil
}

func (e *AccessEngine) decide(ctx context.Context, id Identity, job Job, costOverride int64, admitPaid func() error) (Decision, error) {
	if id.TrialEmail != "" {
		left, err := e.tracker.TrialRemaining(ctx, id.TrialEmail)
		if err != nil {
			return Decision{Path: PathTrial}, err
		}
		if left > 0 {
			return Decision{Path: PathTrial, Reason: "trial allowance", Remaining: left}, nil
		}
	}

	if id.DeviceID != "" {
		left, err := e.tracker.QuotaRemaining(ctx, id.DeviceID)
		if err != nil {
			return Decision{Path: PathQuota}, err
		}
		if left > 0 {
			return Decision{Path: PathQuota, Reason: "free tier", Remaining: left}, nil
		}
	}

	paid := Decision{Path: PathPaid}
	if id.AccountKey == "" {
		return paid, fmt.Errorf("%w: no free allowance and no account to charge", ErrInvalidRequest)
	}
	if admitPaid != nil {
		if err := admitPaid(); err != nil {
			return paid, err
		}
	}

	cost := costOverride
	if cost <= 0 {
		var err error
		cost, err = e.pricer.Price(job)
		if err != nil {
			return paid, fmt.Errorf("%w: price: %w", ErrInvalidRequest, err)
		}
	}
	if cost <= 0 {
		return paid, fmt.Errorf("%w: paid cost must be positive, got %d", ErrInvalidRequest, cost)
	}

	available, err := e.balances.Available(ctx, id.AccountKey)
	if err != nil {
		return paid, unavailable("balance", err)
	}
	if available < cost {
		return paid, &InsufficientFundsError{AccountKey: id.AccountKey, Required: cost, Available: available}
	}

	return Decision{Path: PathPaid, Cost: cost, Reason: "credits", Remaining: available}, nil
}
