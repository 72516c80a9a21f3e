package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"PulseQueue/internal/plans"
	"PulseQueue/internal/usage"
)

func newTestTracker(t *testing.T, now time.Time) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(usage.New(client), WithClock(func() time.Time { return now }))
}

func TestCheckMonthly(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		used          int64
		limit         int64
		wantAllowed   bool
		wantRemaining int64
	}{
		{"fresh user", 0, 500, true, 500},
		{"one below limit", 499, 500, true, 1},
		{"at limit", 500, 500, false, 0},
		{"over limit", 501, 500, false, 0},
		{"zero limit", 0, 0, false, 0},
		{"unlimited", 100000, plans.Unlimited, true, plans.Unlimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(t, now)
			ctx := context.Background()
			if tt.used > 0 {
				if _, err := tr.Increment(ctx, 1, usage.EmailsSent, tt.used); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}

			d, err := tr.CheckMonthly(ctx, 1, usage.EmailsSent, tt.limit)
			if err != nil {
				t.Fatalf("CheckMonthly: %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", d.Allowed, tt.wantAllowed)
			}
			if d.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", d.Remaining, tt.wantRemaining)
			}
			if d.Current != tt.used {
				t.Errorf("Current = %d, want %d", d.Current, tt.used)
			}
		})
	}
}

func TestCheckMonthly_DoesNotConsume(t *testing.T) {
	tr := newTestTracker(t, time.Now())
	ctx := context.Background()

	for range 3 {
		if _, err := tr.CheckMonthly(ctx, 1, usage.EmailsSent, 10); err != nil {
			t.Fatal(err)
		}
	}
	d, _ := tr.CheckMonthly(ctx, 1, usage.EmailsSent, 10)
	if d.Current != 0 {
		t.Errorf("Current = %d after checks only, want 0", d.Current)
	}
}

func TestMonthBoundary(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := usage.New(client)
	ctx := context.Background()

	oct := New(store, WithClock(func() time.Time { return time.Date(2026, 10, 31, 23, 0, 0, 0, time.UTC) }))
	nov := New(store, WithClock(func() time.Time { return time.Date(2026, 11, 1, 0, 1, 0, 0, time.UTC) }))

	if _, err := oct.Increment(ctx, 5, usage.EmailsSent, 500); err != nil {
		t.Fatal(err)
	}
	d, err := nov.CheckMonthly(ctx, 5, usage.EmailsSent, 500)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Current != 0 {
		t.Errorf("new month: allowed=%v current=%d", d.Allowed, d.Current)
	}
	if n, _ := nov.Usage(ctx, 5, usage.EmailsSent, "2026-10"); n != 500 {
		t.Errorf("October usage = %d, want 500", n)
	}
}

func TestCheckLifetime(t *testing.T) {
	tr := newTestTracker(t, time.Now())
	ctx := context.Background()

	if _, err := tr.IncrementLifetime(ctx, 1, usage.StorageBytes, 90); err != nil {
		t.Fatal(err)
	}
	d, err := tr.CheckLifetime(ctx, 1, usage.StorageBytes, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("90+10 within 100 should be allowed")
	}
	d, _ = tr.CheckLifetime(ctx, 1, usage.StorageBytes, 100, 11)
	if d.Allowed {
		t.Error("90+11 over 100 should be denied")
	}
}
