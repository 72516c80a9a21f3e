package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"PulseQueue/internal/models"
)

func TestTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	job := &models.EmailJob{ID: "j1", UserID: 1, Type: models.JobSend, MaxRetries: 3}
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{"retry from pending", func() error { return s.MarkRetrying(ctx, "j1", "x") }, models.ErrInvalidTransition},
		{"processing", func() error { return s.MarkProcessing(ctx, "j1") }, nil},
		{"double processing", func() error { return s.MarkProcessing(ctx, "j1") }, models.ErrInvalidTransition},
		{"completed", func() error { return s.MarkCompleted(ctx, "j1") }, nil},
		{"fail after complete", func() error { return s.MarkFailed(ctx, "j1", "x") }, models.ErrInvalidTransition},
		{"missing", func() error { return s.MarkProcessing(ctx, "nope") }, models.ErrJobNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, _ := s.GetJob(ctx, "j1")
	if got.Status != models.StatusCompleted || got.CompletedAt == nil || got.RetryCount != 0 {
		t.Errorf("job = %+v", got)
	}
}

func TestGetJobReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.InsertJob(ctx, &models.EmailJob{ID: "j1"})

	j, _ := s.GetJob(ctx, "j1")
	j.Status = models.StatusFailed

	again, _ := s.GetJob(ctx, "j1")
	if again.Status != models.StatusPending {
		t.Errorf("store mutated through returned pointer: %s", again.Status)
	}
}

func TestReclaimStale(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_ = s.InsertJob(ctx, &models.EmailJob{ID: "pending"})
	_ = s.InsertJob(ctx, &models.EmailJob{ID: "processing"})
	_ = s.InsertJob(ctx, &models.EmailJob{ID: "retrying"})
	_ = s.InsertJob(ctx, &models.EmailJob{ID: "done"})
	_ = s.MarkProcessing(ctx, "processing")
	_ = s.MarkProcessing(ctx, "retrying")
	_ = s.MarkRetrying(ctx, "retrying", "timeout")
	_ = s.MarkProcessing(ctx, "done")
	_ = s.MarkCompleted(ctx, "done")

	if jobs, _ := s.ReclaimStale(ctx, now, 10); len(jobs) != 0 {
		t.Fatalf("reclaimed %d fresh jobs", len(jobs))
	}

	now = now.Add(time.Hour)
	jobs, err := s.ReclaimStale(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("reclaimed %d jobs, want 3", len(jobs))
	}
	p, _ := s.GetJob(ctx, "processing")
	if p.Status != models.StatusRetrying || p.RetryCount != 0 {
		t.Errorf("processing job after reclaim: %s retries=%d", p.Status, p.RetryCount)
	}
	q, _ := s.GetJob(ctx, "pending")
	if q.Status != models.StatusPending {
		t.Errorf("pending job after reclaim: %s", q.Status)
	}
	r, _ := s.GetJob(ctx, "retrying")
	if r.Status != models.StatusRetrying || r.RetryCount != 1 {
		t.Errorf("retrying job after reclaim: %s retries=%d", r.Status, r.RetryCount)
	}
}

func TestUsersAndUsage(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutUser(models.User{ID: 2, IsActive: true})
	s.PutUser(models.User{ID: 1, IsActive: true})
	s.PutUser(models.User{ID: 3, IsActive: false})

	users, _ := s.ListActiveUsers(ctx)
	if len(users) != 2 || users[0].ID != 1 || users[1].ID != 2 {
		t.Errorf("ListActiveUsers = %+v", users)
	}
	if _, err := s.GetUser(ctx, 9); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("GetUser(9) err = %v", err)
	}

	_ = s.UpsertMonthlyUsage(ctx, 1, "2026-09", 10, 1)
	_ = s.UpsertMonthlyUsage(ctx, 1, "2026-09", 3, 4)
	sent, received, ok := s.MonthlyUsage(1, "2026-09")
	if !ok || sent != 10 || received != 4 {
		t.Errorf("MonthlyUsage = %d, %d, %v", sent, received, ok)
	}
}
