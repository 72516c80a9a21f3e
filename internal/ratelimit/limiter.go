// Package ratelimit implements a fixed-window counter on top of the usage store.
//
// Every call consumes one unit of the current window, including calls that
// end up denied. Clients that keep retrying while limited therefore keep the
// window saturated until it rolls over.
package ratelimit

import (
	"context"
	"time"

	"PulseQueue/internal/usage"
)

// Counter is the part of the usage store the limiter needs.
type Counter interface {
	IncrWindow(ctx context.Context, userID int64, metric usage.Metric, windowStart time.Time, ttl time.Duration) (int64, error)
}

type Decision struct {
	Allowed     bool          `json:"allowed"`
	Current     int64         `json:"current"`
	Limit       int64         `json:"limit"`
	Remaining   int64         `json:"remaining"`
	RetryAfter  time.Duration `json:"-"`
	WindowStart time.Time     `json:"windowStart"`
}

type Limiter struct {
	counter Counter
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(counter Counter, opts ...Option) *Limiter {
	l := &Limiter{counter: counter, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// WindowStart returns floor(now / window) * window.
func WindowStart(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		return now
	}
	start := now.UnixMilli() / ms * ms
	return time.UnixMilli(start)
}

// CheckAndConsume counts this call against the user's current window and
// reports whether it stays within limit. A limit of zero always denies.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID int64, metric usage.Metric, limit int64, window time.Duration) (Decision, error) {
	now := l.now()
	start := WindowStart(now, window)

	// keys outlive the window by one period so a late caller still sees it
	current, err := l.counter.IncrWindow(ctx, userID, metric, start, 2*window)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:     limit > 0 && current <= limit,
		Current:     current,
		Limit:       limit,
		WindowStart: start,
	}
	if limit > current {
		d.Remaining = limit - current
	}
	if !d.Allowed {
		d.RetryAfter = start.Add(window).Sub(now)
	}
	return d, nil
}
