// Package quota answers whether a user still has monthly plan allowance.
// Checks never consume; the enqueuer increments only after admission passes.
package quota

import (
	"context"
	"time"

	"PulseQueue/internal/plans"
	"PulseQueue/internal/usage"
)

// Counters is the part of the usage store the tracker needs.
type Counters interface {
	Get(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
	Release(ctx context.Context, key string, n int64) (int64, error)
}

type Decision struct {
	Allowed   bool  `json:"allowed"`
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Unlimited bool  `json:"unlimited"`
}

type Tracker struct {
	counters Counters
	now      func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(counters Counters, opts ...Option) *Tracker {
	t := &Tracker{counters: counters, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// CheckMonthly reports whether the user's usage of metric in the current
// month is below limit. plans.Unlimited always allows.
func (t *Tracker) CheckMonthly(ctx context.Context, userID int64, metric usage.Metric, limit int64) (Decision, error) {
	current, err := t.Usage(ctx, userID, metric, usage.Month(t.now()))
	if err != nil {
		return Decision{}, err
	}
	return decide(current, limit), nil
}

// CheckLifetime is CheckMonthly for counters that never roll over, asking
// room for n more units.
func (t *Tracker) CheckLifetime(ctx context.Context, userID int64, metric usage.Metric, limit, n int64) (Decision, error) {
	current, err := t.counters.Get(ctx, usage.LifetimeKey(userID, metric))
	if err != nil {
		return Decision{}, err
	}
	d := decide(current, limit)
	d.Allowed = plans.Within(limit, current, n)
	return d, nil
}

// Increment adds n to the current month's counter.
func (t *Tracker) Increment(ctx context.Context, userID int64, metric usage.Metric, n int64) (int64, error) {
	key := usage.MonthlyKey(userID, metric, usage.Month(t.now()))
	return t.counters.IncrBy(ctx, key, n, usage.MonthlyTTL)
}

// IncrementLifetime adds n to a counter with no billing period.
func (t *Tracker) IncrementLifetime(ctx context.Context, userID int64, metric usage.Metric, n int64) (int64, error) {
	return t.counters.IncrBy(ctx, usage.LifetimeKey(userID, metric), n, 0)
}

// ReleaseLifetime gives n units back to a lifetime counter, flooring at zero.
func (t *Tracker) ReleaseLifetime(ctx context.Context, userID int64, metric usage.Metric, n int64) (int64, error) {
	return t.counters.Release(ctx, usage.LifetimeKey(userID, metric), n)
}

// Usage reads the counter for a given month label (YYYY-MM).
func (t *Tracker) Usage(ctx context.Context, userID int64, metric usage.Metric, month string) (int64, error) {
	return t.counters.Get(ctx, usage.MonthlyKey(userID, metric, month))
}

func decide(current, limit int64) Decision {
	if plans.IsUnlimited(limit) {
		return Decision{Allowed: true, Current: current, Limit: plans.Unlimited, Remaining: plans.Unlimited, Unlimited: true}
	}
	d := Decision{Allowed: current < limit, Current: current, Limit: limit}
	if limit > current {
		d.Remaining = limit - current
	}
	return d
}
