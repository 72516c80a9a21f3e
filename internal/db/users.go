package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"PulseQueue/internal/models"
)

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var (
		u    models.User
		plan string
	)
	err := s.Pool.QueryRow(ctx,
		`SELECT id, email, plan, is_active FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &plan, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	u.Plan = models.ParsePlan(plan)
	return &u, nil
}

func (s *Store) InsertUser(ctx context.Context, u *models.User) error {
	return s.Pool.QueryRow(ctx,
		`INSERT INTO users (email, plan, is_active) VALUES ($1,$2,$3) RETURNING id`,
		u.Email,
		string(u.Plan),
		u.IsActive,
	).Scan(&u.ID)
}

func (s *Store) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, email, plan, is_active FROM users WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var (
			u    models.User
			plan string
		)
		if err := rows.Scan(&u.ID, &u.Email, &plan, &u.IsActive); err != nil {
			return nil, fmt.Errorf("list active users scan: %w", err)
		}
		u.Plan = models.ParsePlan(plan)
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpsertMonthlyUsage records a month's counters. Values only ever grow, so a
// rerun with older numbers never lowers a stored row.
func (s *Store) UpsertMonthlyUsage(ctx context.Context, userID int64, month string, sent, received int64) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO user_usage (user_id, month, emails_sent, emails_received, updated_at)
		 VALUES ($1,$2,$3,$4,NOW())
		 ON CONFLICT (user_id, month) DO UPDATE
		 SET emails_sent     = GREATEST(user_usage.emails_sent, EXCLUDED.emails_sent),
		     emails_received = GREATEST(user_usage.emails_received, EXCLUDED.emails_received),
		     updated_at      = NOW()`,
		userID,
		month,
		sent,
		received,
	)
	if err != nil {
		return fmt.Errorf("upsert usage %d %s: %w", userID, month, err)
	}
	return nil
}
