// Package rollup copies finished months of Redis usage counters into the
// user_usage table, where they outlive the counters' TTL.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"PulseQueue/internal/models"
	"PulseQueue/internal/usage"
)

// DefaultSchedule runs five minutes into the first day of each month (UTC).
const DefaultSchedule = "5 0 1 * *"

type Users interface {
	ListActiveUsers(ctx context.Context) ([]models.User, error)
}

type Counters interface {
	Usage(ctx context.Context, userID int64, metric usage.Metric, month string) (int64, error)
}

type Sink interface {
	UpsertMonthlyUsage(ctx context.Context, userID int64, month string, sent, received int64) error
}

type Scheduler struct {
	users    Users
	counters Counters
	sink     Sink
	schedule string
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func New(users Users, counters Counters, sink Sink, schedule string, log *zap.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		users:    users,
		counters: counters,
		sink:     sink,
		schedule: schedule,
		log:      log,
		now:      time.Now,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the monthly job. Each run rolls up the month before the
// one it fires in.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid rollup schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule rollup: %w", err)
	}
	s.cron.Start()
	s.running = true

	s.log.Info("usage rollup scheduled", zap.String("schedule", s.schedule))
	return nil
}

// Stop waits for a running rollup to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("usage rollup stopped")
}

// NextRun is the next scheduled fire time, or nil when not started.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

func (s *Scheduler) run(ctx context.Context) {
	month := PreviousMonth(s.now())
	n, err := s.RunOnce(ctx, month)
	if err != nil {
		s.log.Error("usage rollup incomplete",
			zap.String("month", month),
			zap.Int("users", n),
			zap.Error(err),
		)
		return
	}
	s.log.Info("usage rollup finished", zap.String("month", month), zap.Int("users", n))
}

// RunOnce writes month's counters for every active user and returns how many
// rows were written. One user's failure does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context, month string) (int, error) {
	if _, err := usage.ParseMonth(month); err != nil {
		return 0, fmt.Errorf("rollup month %q: %w", month, err)
	}

	users, err := s.users.ListActiveUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	var (
		written int
		errs    []error
	)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sent, err := s.counters.Usage(ctx, u.ID, usage.EmailsSent, month)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", u.ID, err))
			continue
		}
		received, err := s.counters.Usage(ctx, u.ID, usage.EmailsReceived, month)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", u.ID, err))
			continue
		}
		if sent == 0 && received == 0 {
			continue
		}
		if err := s.sink.UpsertMonthlyUsage(ctx, u.ID, month, sent, received); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", u.ID, err))
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

// PreviousMonth returns the YYYY-MM label of the month before t (UTC).
func PreviousMonth(t time.Time) string {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return usage.Month(first.AddDate(0, -1, 0))
}
