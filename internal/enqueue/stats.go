package enqueue

import (
	"context"
	"errors"
	"fmt"

	"PulseQueue/internal/models"
	"PulseQueue/internal/plans"
	"PulseQueue/internal/usage"
)

type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retrying   int64 `json:"retrying"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	QueueDepth int64 `json:"queueDepth"`
	Delayed    int64 `json:"delayed"`
}

func (e *Enqueuer) QueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats

	counts, err := e.jobs.CountByStatus(ctx)
	if err != nil {
		return st, fmt.Errorf("queue stats: %w", err)
	}
	st.Pending = counts[models.StatusPending]
	st.Processing = counts[models.StatusProcessing]
	st.Retrying = counts[models.StatusRetrying]
	st.Completed = counts[models.StatusCompleted]
	st.Failed = counts[models.StatusFailed]

	if st.QueueDepth, err = e.transport.Len(ctx); err != nil {
		return st, fmt.Errorf("queue stats: %w", err)
	}
	if st.Delayed, err = e.transport.DelayedLen(ctx); err != nil {
		return st, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

type UsageStats struct {
	UserID            int64        `json:"userId"`
	Plan              models.Plan  `json:"plan"`
	Month             string       `json:"month"`
	EmailsSent        int64        `json:"emailsSent"`
	EmailsReceived    int64        `json:"emailsReceived"`
	MaxEmailsPerMonth int64        `json:"maxEmailsPerMonth"`
	RemainingEmails   int64        `json:"remainingEmails"`
	UsagePercentage   float64      `json:"usagePercentage"`
	Limits            plans.Limits `json:"limits"`
}

// UsageStats reports the user's current-month email usage against the plan.
// Unlimited plans report -1 for the limit and remaining fields.
func (e *Enqueuer) UsageStats(ctx context.Context, userID int64) (UsageStats, error) {
	st := UsageStats{UserID: userID, Month: usage.Month(e.now())}

	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return st, err
		}
		return st, fmt.Errorf("usage stats: %w", err)
	}
	st.Plan = user.Plan
	st.Limits = plans.For(user.Plan)
	st.MaxEmailsPerMonth = st.Limits.EmailsPerMonth

	if st.EmailsSent, err = e.quota.Usage(ctx, userID, usage.EmailsSent, st.Month); err != nil {
		return st, fmt.Errorf("usage stats: %w", err)
	}
	if st.EmailsReceived, err = e.quota.Usage(ctx, userID, usage.EmailsReceived, st.Month); err != nil {
		return st, fmt.Errorf("usage stats: %w", err)
	}

	if plans.IsUnlimited(st.MaxEmailsPerMonth) {
		st.RemainingEmails = plans.Unlimited
		return st, nil
	}
	st.RemainingEmails = max(st.MaxEmailsPerMonth-st.EmailsSent, 0)
	if st.MaxEmailsPerMonth > 0 {
		st.UsagePercentage = float64(st.EmailsSent) / float64(st.MaxEmailsPerMonth) * 100
	}
	return st, nil
}
