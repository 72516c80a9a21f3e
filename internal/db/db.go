package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"PulseQueue/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate creates the tables this service owns if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const jobColumns = `id, user_id, type, status, recipient, subject, content,
	retry_count, max_retries, error, scheduled_at, completed_at, failed_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*models.EmailJob, error) {
	var j models.EmailJob
	err := row.Scan(
		&j.ID, &j.UserID, &j.Type, &j.Status, &j.Recipient, &j.Subject, &j.Content,
		&j.RetryCount, &j.MaxRetries, &j.Error, &j.ScheduledAt, &j.CompletedAt, &j.FailedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) InsertJob(ctx context.Context, job *models.EmailJob) error {

	job.Status = models.StatusPending

	return s.Pool.QueryRow(ctx,
		`INSERT INTO email_jobs
		 (id, user_id, type, status, recipient, subject, content,
		  retry_count, max_retries, scheduled_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,NOW(),NOW())
		 RETURNING created_at, updated_at`,
		job.ID,
		job.UserID,
		job.Type,
		job.Status,
		job.Recipient,
		job.Subject,
		job.Content,
		job.MaxRetries,
		job.ScheduledAt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.EmailJob, error) {
	return scanJob(s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, id))
}

func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusProcessing, "")
}

func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusCompleted, ", completed_at=NOW()")
}

func (s *Store) MarkRetrying(ctx context.Context, id string, errorMsg string) error {
	return s.transition(ctx, id, models.StatusRetrying,
		", retry_count = retry_count + 1, error=$3", errorMsg)
}

func (s *Store) MarkFailed(ctx context.Context, id string, errorMsg string) error {
	return s.transition(ctx, id, models.StatusFailed,
		", retry_count = retry_count + 1, error=$3, failed_at=NOW()", errorMsg)
}

// transition moves a job to status `to` only if it currently sits in one of
// the allowed source states, so concurrent or duplicate updates cannot skip
// the lifecycle or leave a terminal state.
func (s *Store) transition(
	ctx context.Context,
	id string,
	to models.JobStatus,
	set string,
	args ...any,
) error {

	from := make([]string, 0, 2)
	for _, st := range models.SourceStatuses(to) {
		from = append(from, string(st))
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status='`+string(to)+`',
		     updated_at=NOW()`+set+`
		 WHERE id=$1 AND status = ANY($2)`,
		append([]any{id, from}, args...)...,
	)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", to, id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_jobs WHERE id=$1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("mark %s %s: %w", to, id, err)
	}
	if !exists {
		return models.ErrJobNotFound
	}
	return models.ErrInvalidTransition
}

// ReclaimStale returns non-terminal jobs untouched since before cutoff.
// PROCESSING jobs move to RETRYING without consuming a retry; all of them get
// a fresh updated_at so the same job is not reclaimed again right away.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.EmailJob, error) {
	rows, err := s.Pool.Query(ctx,
		`UPDATE email_jobs
		 SET status = CASE WHEN status='PROCESSING' THEN 'RETRYING' ELSE status END,
		     updated_at = NOW()
		 WHERE id IN (
		     SELECT id FROM email_jobs
		     WHERE status IN ('PENDING','PROCESSING','RETRYING') AND updated_at < $1
		     ORDER BY updated_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	defer rows.Close()

	var jobs []*models.EmailJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("reclaim stale scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM email_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int64)
	for rows.Next() {
		var (
			status models.JobStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status scan: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
