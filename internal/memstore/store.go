// Package memstore keeps jobs and users in process memory behind the same
// contract as the PostgreSQL store. Nothing survives a restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"PulseQueue/internal/models"
)

type usageRow struct {
	Sent, Received int64
}

type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*models.EmailJob
	users map[int64]models.User
	usage map[int64]map[string]usageRow
	now   func() time.Time
}

func New() *Store {
	return &Store{
		jobs:  make(map[string]*models.EmailJob),
		users: make(map[int64]models.User),
		usage: make(map[int64]map[string]usageRow),
		now:   time.Now,
	}
}

// SetClock replaces time.Now for timestamps written by the store.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) PutUser(u models.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) ListActiveUsers(_ context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []models.User
	for _, u := range s.users {
		if u.IsActive {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) InsertJob(_ context.Context, job *models.EmailJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job.Status = models.StatusPending
	job.RetryCount = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob returns a copy; callers never hold a pointer into the store.
func (s *Store) GetJob(_ context.Context, id string) (*models.EmailJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// DeleteJob simulates an external retention job removing a record.
func (s *Store) DeleteJob(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

func (s *Store) MarkProcessing(_ context.Context, id string) error {
	return s.transition(id, models.StatusProcessing, nil)
}

func (s *Store) MarkCompleted(_ context.Context, id string) error {
	return s.transition(id, models.StatusCompleted, func(j *models.EmailJob, now time.Time) {
		j.CompletedAt = &now
	})
}

func (s *Store) MarkRetrying(_ context.Context, id string, errorMsg string) error {
	return s.transition(id, models.StatusRetrying, func(j *models.EmailJob, _ time.Time) {
		j.RetryCount++
		j.Error = errorMsg
	})
}

func (s *Store) MarkFailed(_ context.Context, id string, errorMsg string) error {
	return s.transition(id, models.StatusFailed, func(j *models.EmailJob, now time.Time) {
		j.RetryCount++
		j.Error = errorMsg
		j.FailedAt = &now
	})
}

func (s *Store) transition(id string, to models.JobStatus, apply func(*models.EmailJob, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	if !j.Status.CanTransition(to) {
		return models.ErrInvalidTransition
	}

	now := s.now()
	j.Status = to
	j.UpdatedAt = now
	if apply != nil {
		apply(j, now)
	}
	return nil
}

func (s *Store) ReclaimStale(_ context.Context, cutoff time.Time, limit int) ([]*models.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*models.EmailJob
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			continue
		}
		if !j.UpdatedAt.Before(cutoff) {
			continue
		}
		stale = append(stale, j)
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].UpdatedAt.Before(stale[b].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	now := s.now()
	out := make([]*models.EmailJob, 0, len(stale))
	for _, j := range stale {
		if j.Status == models.StatusProcessing {
			j.Status = models.StatusRetrying
		}
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[models.JobStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int64)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *Store) UpsertMonthlyUsage(_ context.Context, userID int64, month string, sent, received int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usage[userID] == nil {
		s.usage[userID] = make(map[string]usageRow)
	}
	row := s.usage[userID][month]
	row.Sent = max(row.Sent, sent)
	row.Received = max(row.Received, received)
	s.usage[userID][month] = row
	return nil
}

// MonthlyUsage returns what UpsertMonthlyUsage recorded.
func (s *Store) MonthlyUsage(userID int64, month string) (sent, received int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.usage[userID][month]
	return row.Sent, row.Received, ok
}
