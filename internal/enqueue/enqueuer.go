// Package enqueue runs admission control and turns accepted requests into
// queued email jobs.
package enqueue

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"PulseQueue/internal/admission"
	"PulseQueue/internal/metrics"
	"PulseQueue/internal/models"
	"PulseQueue/internal/plans"
	"PulseQueue/internal/quota"
	"PulseQueue/internal/ratelimit"
	"PulseQueue/internal/usage"
)

const DefaultMaxRetries = 3

type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type JobStore interface {
	InsertJob(ctx context.Context, job *models.EmailJob) error
	GetJob(ctx context.Context, id string) (*models.EmailJob, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
}

type Transport interface {
	Push(ctx context.Context, ref models.QueueReference) error
	PushDelayed(ctx context.Context, ref models.QueueReference, at time.Time) error
	Len(ctx context.Context) (int64, error)
	DelayedLen(ctx context.Context) (int64, error)
}

type RateLimiter interface {
	CheckAndConsume(ctx context.Context, userID int64, metric usage.Metric, limit int64, window time.Duration) (ratelimit.Decision, error)
}

type QuotaTracker interface {
	CheckMonthly(ctx context.Context, userID int64, metric usage.Metric, limit int64) (quota.Decision, error)
	Increment(ctx context.Context, userID int64, metric usage.Metric, n int64) (int64, error)
	Usage(ctx context.Context, userID int64, metric usage.Metric, month string) (int64, error)
}

// Spec is a request to send (or fetch) one email.
type Spec struct {
	UserID      int64      `json:"userId" validate:"required,gt=0"`
	Type        string     `json:"type" validate:"omitempty,oneof=SEND RECEIVE"`
	Recipient   string     `json:"recipient" validate:"required,email"`
	Subject     string     `json:"subject" validate:"max=998"`
	Content     string     `json:"content" validate:"max=1048576"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	MaxRetries  int        `json:"maxRetries" validate:"omitempty,min=1,max=10"`
}

type Result struct {
	JobID string             `json:"jobId"`
	Quota quota.Decision     `json:"quota"`
	Rate  ratelimit.Decision `json:"rate"`
}

type Enqueuer struct {
	users     UserStore
	jobs      JobStore
	transport Transport
	limiter   RateLimiter
	quota     QuotaTracker
	validate  *validator.Validate
	log       *zap.Logger

	rateWindow time.Duration
	maxRetries int
	now        func() time.Time
	newID      func() string
}

type Option func(*Enqueuer)

func WithClock(now func() time.Time) Option {
	return func(e *Enqueuer) { e.now = now }
}

// WithMaxRetries sets the retry budget for specs that do not carry one.
func WithMaxRetries(n int) Option {
	return func(e *Enqueuer) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithRateWindow overrides the one-minute admission window.
func WithRateWindow(d time.Duration) Option {
	return func(e *Enqueuer) { e.rateWindow = d }
}

func New(
	users UserStore,
	jobs JobStore,
	transport Transport,
	limiter RateLimiter,
	tracker QuotaTracker,
	log *zap.Logger,
	opts ...Option,
) *Enqueuer {
	e := &Enqueuer{
		users:      users,
		jobs:       jobs,
		transport:  transport,
		limiter:    limiter,
		quota:      tracker,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log,
		rateWindow: time.Minute,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func metricFor(t models.JobType) usage.Metric {
	if t == models.JobReceive {
		return usage.EmailsReceived
	}
	return usage.EmailsSent
}

// Submit admits and queues one job. Checks run in order and stop at the
// first rejection: user, monthly quota, rate limit. Only then is the job
// stored, its reference pushed and the monthly counter incremented, so a
// rejected request never adds to the quota.
func (e *Enqueuer) Submit(ctx context.Context, spec Spec) (Result, error) {
	var res Result

	if err := e.validate.Struct(spec); err != nil {
		return res, e.reject(admission.Invalid(err))
	}
	jobType := models.JobSend
	if spec.Type != "" {
		t, err := models.ParseJobType(spec.Type)
		if err != nil {
			return res, e.reject(admission.Invalid(err))
		}
		jobType = t
	}
	metric := metricFor(jobType)

	// ----------------------------
	// User
	// ----------------------------
	user, err := e.users.GetUser(ctx, spec.UserID)
	if errors.Is(err, models.ErrUserNotFound) {
		return res, e.reject(admission.Reject(admission.ReasonUserNotFound))
	}
	if err != nil {
		return res, e.reject(admission.Unavailable(err))
	}
	if !user.IsActive {
		return res, e.reject(admission.Reject(admission.ReasonUserInactive))
	}
	limits := plans.For(user.Plan)

	// ----------------------------
	// Monthly quota (SEND only)
	// ----------------------------
	if jobType == models.JobSend {
		res.Quota, err = e.quota.CheckMonthly(ctx, user.ID, metric, limits.EmailsPerMonth)
		if err != nil {
			return res, e.reject(admission.Unavailable(err))
		}
		if !res.Quota.Allowed {
			return res, e.reject(&admission.Error{
				Reason:    admission.ReasonQuotaExceeded,
				Metric:    string(metric),
				Current:   res.Quota.Current,
				Limit:     res.Quota.Limit,
				Remaining: res.Quota.Remaining,
			})
		}
	} else {
		res.Quota = quota.Decision{Allowed: true, Limit: plans.Unlimited, Remaining: plans.Unlimited, Unlimited: true}
	}

	// ----------------------------
	// Rate limit
	// ----------------------------
	res.Rate, err = e.limiter.CheckAndConsume(ctx, user.ID, metric, limits.EmailsPerMinute, e.rateWindow)
	if err != nil {
		return res, e.reject(admission.Unavailable(err))
	}
	if !res.Rate.Allowed {
		return res, e.reject(&admission.Error{
			Reason:     admission.ReasonRateLimited,
			Metric:     string(metric),
			Current:    res.Rate.Current,
			Limit:      res.Rate.Limit,
			Remaining:  res.Rate.Remaining,
			RetryAfter: res.Rate.RetryAfter,
		})
	}

	// ----------------------------
	// Persist, then publish
	// ----------------------------
	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.maxRetries
	}
	job := &models.EmailJob{
		ID:          e.newID(),
		UserID:      user.ID,
		Type:        jobType,
		Recipient:   spec.Recipient,
		Subject:     spec.Subject,
		Content:     spec.Content,
		MaxRetries:  maxRetries,
		ScheduledAt: spec.ScheduledAt,
	}
	if err := e.jobs.InsertJob(ctx, job); err != nil {
		return res, e.reject(admission.Unavailable(err))
	}

	if at := spec.ScheduledAt; at != nil && at.After(e.now()) {
		err = e.transport.PushDelayed(ctx, job.Reference(), *at)
	} else {
		err = e.transport.Push(ctx, job.Reference())
	}
	if err != nil {
		// the record stays PENDING and the worker's stale sweep republishes it
		e.log.Error("failed to publish job reference",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return res, e.reject(admission.Unavailable(err))
	}
	res.JobID = job.ID

	// ----------------------------
	// Count usage
	// ----------------------------
	current, err := e.quota.Increment(ctx, user.ID, metric, 1)
	if err != nil {
		e.log.Error("failed to increment usage",
			zap.String("job_id", job.ID),
			zap.Int64("user_id", user.ID),
			zap.String("metric", string(metric)),
			zap.Error(err),
		)
	} else {
		res.Quota.Current = current
		if !res.Quota.Unlimited {
			res.Quota.Remaining = max(res.Quota.Limit-current, 0)
		}
	}

	metrics.JobsSubmitted.WithLabelValues(string(jobType)).Inc()
	e.log.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.Int64("user_id", user.ID),
		zap.String("type", string(jobType)),
		zap.String("to", job.Recipient),
	)
	return res, nil
}

func (e *Enqueuer) reject(err *admission.Error) error {
	metrics.AdmissionRejections.WithLabelValues(string(err.Reason)).Inc()
	if err.Reason == admission.ReasonStoreUnavailable {
		e.log.Error("admission failed closed", zap.Error(err))
	} else {
		e.log.Warn("admission rejected", zap.String("reason", string(err.Reason)), zap.Error(err))
	}
	return err
}

// Job looks up a job for status queries.
func (e *Enqueuer) Job(ctx context.Context, id string) (*models.EmailJob, error) {
	return e.jobs.GetJob(ctx, id)
}
