package creditgate

import (
	"context"
	"time"
)

// Tracker reads and advances the trial and free-tier counters.
//
// Counters only move after the gated work succeeded, so concurrent first
// requests from one identity can overshoot a limit by at most the number of
// requests in flight.
type Tracker struct {
	usage      UsageStore
	clock      Clock
	trialLimit int64
	quotaLimit int64
	window     time.Duration
}

// NewTracker creates a Tracker. WithTrialLimit and WithFreeTier set the limits.
func NewTracker(usage UsageStore, opts ...Option) *Tracker {
	return newTracker(usage, newSettings(opts))
}

func newTracker(usage UsageStore, s settings) *Tracker {
	return &Tracker{
		usage:      usage,
		clock:      s.clock,
		trialLimit: s.trialLimit,
		quotaLimit: s.freeTierLimit,
		window:     s.freeTierWindow,
	}
}

// TrialRemaining returns the free trial uses left for email.
func (t *Tracker) TrialRemaining(ctx context.Context, email string) (int64, error) {
	email = NormalizeEmail(email)
	if email == "" || t.trialLimit <= 0 {
		return 0, nil
	}
	u, err := t.usage.GetTrialUsage(ctx, email)
	if err != nil {
		return 0, unavailable("trial usage", err)
	}
	return remaining(t.trialLimit, u.Uses), nil
}

// QuotaRemaining returns the free-tier uses left for deviceID in the current window.
func (t *Tracker) QuotaRemaining(ctx context.Context, deviceID string) (int64, error) {
	if deviceID == "" || t.quotaLimit <= 0 {
		return 0, nil
	}
	u, err := t.usage.GetQuotaUsage(ctx, deviceID, t.clock.Now(), t.window)
	if err != nil {
		return 0, unavailable("quota usage", err)
	}
	return remaining(t.quotaLimit, u.Count), nil
}

// RecordTrial consumes one trial use.
func (t *Tracker) RecordTrial(ctx context.Context, email string) (TrialUsage, error) {
	u, err := t.usage.IncrementTrial(ctx, NormalizeEmail(email), t.clock.Now())
	if err != nil {
		return TrialUsage{}, unavailable("record trial", err)
	}
	return u, nil
}

// RecordQuota consumes one free-tier use.
func (t *Tracker) RecordQuota(ctx context.Context, deviceID string) (QuotaUsage, error) {
	u, err := t.usage.IncrementQuota(ctx, deviceID, t.clock.Now(), t.window)
	if err != nil {
		return QuotaUsage{}, unavailable("record quota", err)
	}
	return u, nil
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
