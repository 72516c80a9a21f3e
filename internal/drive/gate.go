// Package drive applies plan limits to file uploads and downloads. It admits
// or rejects transfers and, when a Signer is configured, hands back a
// presigned URL for the bytes to travel through.
package drive

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"PulseQueue/internal/admission"
	"PulseQueue/internal/metrics"
	"PulseQueue/internal/models"
	"PulseQueue/internal/objectstore"
	"PulseQueue/internal/plans"
	"PulseQueue/internal/quota"
	"PulseQueue/internal/ratelimit"
	"PulseQueue/internal/usage"
)

type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type RateLimiter interface {
	CheckAndConsume(ctx context.Context, userID int64, metric usage.Metric, limit int64, window time.Duration) (ratelimit.Decision, error)
}

type Tracker interface {
	CheckLifetime(ctx context.Context, userID int64, metric usage.Metric, limit, n int64) (quota.Decision, error)
	IncrementLifetime(ctx context.Context, userID int64, metric usage.Metric, n int64) (int64, error)
	ReleaseLifetime(ctx context.Context, userID int64, metric usage.Metric, n int64) (int64, error)
	Increment(ctx context.Context, userID int64, metric usage.Metric, n int64) (int64, error)
}

type Signer interface {
	UploadURL(ctx context.Context, userID, size int64) (key, url string, err error)
	DownloadURL(ctx context.Context, userID int64, key string) (string, error)
}

type Grant struct {
	Storage quota.Decision     `json:"storage"`
	Rate    ratelimit.Decision `json:"rate"`
	Key     string             `json:"key,omitempty"`
	URL     string             `json:"url,omitempty"`
}

type Option func(*Gate)

func WithSigner(s Signer) Option {
	return func(g *Gate) { g.signer = s }
}

type Gate struct {
	users   UserStore
	limiter RateLimiter
	tracker Tracker
	signer  Signer
	window  time.Duration
	log     *zap.Logger
}

func New(users UserStore, limiter RateLimiter, tracker Tracker, log *zap.Logger, opts ...Option) *Gate {
	g := &Gate{users: users, limiter: limiter, tracker: tracker, window: time.Minute, log: log}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AuthorizeUpload admits a file of size bytes. Checks stop at the first
// rejection: user, per-file size, storage allowance, uploads per minute.
// Storage and the monthly upload count grow only once every check passed.
func (g *Gate) AuthorizeUpload(ctx context.Context, userID, size int64) (Grant, error) {
	var grant Grant

	if size <= 0 {
		return grant, g.reject(userID, admission.Invalid(errors.New("upload size must be positive")))
	}
	user, limits, rerr := g.user(ctx, userID)
	if rerr != nil {
		return grant, g.reject(userID, rerr)
	}

	if !plans.Within(limits.MaxUploadBytes, 0, size) {
		return grant, g.reject(user.ID, &admission.Error{
			Reason:  admission.ReasonFileTooLarge,
			Metric:  "upload_bytes",
			Current: size,
			Limit:   limits.MaxUploadBytes,
		})
	}

	var err error
	grant.Storage, err = g.tracker.CheckLifetime(ctx, user.ID, usage.StorageBytes, limits.StorageBytes, size)
	if err != nil {
		return grant, g.reject(user.ID, admission.Unavailable(err))
	}
	if !grant.Storage.Allowed {
		return grant, g.reject(user.ID, &admission.Error{
			Reason:    admission.ReasonStorageExceeded,
			Metric:    string(usage.StorageBytes),
			Current:   grant.Storage.Current,
			Limit:     grant.Storage.Limit,
			Remaining: grant.Storage.Remaining,
		})
	}

	grant.Rate, err = g.limiter.CheckAndConsume(ctx, user.ID, usage.Uploads, limits.UploadsPerMinute, g.window)
	if err != nil {
		return grant, g.reject(user.ID, admission.Unavailable(err))
	}
	if !grant.Rate.Allowed {
		return grant, g.reject(user.ID, rateError(usage.Uploads, grant.Rate))
	}

	if g.signer != nil {
		grant.Key, grant.URL, err = g.signer.UploadURL(ctx, user.ID, size)
		if err != nil {
			return grant, g.reject(user.ID, admission.Unavailable(err))
		}
	}

	used, err := g.tracker.IncrementLifetime(ctx, user.ID, usage.StorageBytes, size)
	if err != nil {
		return grant, g.reject(user.ID, admission.Unavailable(err))
	}
	grant.Storage.Current = used
	if !grant.Storage.Unlimited {
		grant.Storage.Remaining = max(grant.Storage.Limit-used, 0)
	}

	if _, err := g.tracker.Increment(ctx, user.ID, usage.Uploads, 1); err != nil {
		g.log.Error("failed to count upload", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	g.log.Info("upload authorized",
		zap.Int64("user_id", user.ID),
		zap.Int64("size", size),
		zap.Int64("storage_used", used),
		zap.String("key", grant.Key),
	)
	return grant, nil
}

// AuthorizeDownload admits one download against the per-minute limit. With a
// Signer the key must sit under the user's own prefix.
func (g *Gate) AuthorizeDownload(ctx context.Context, userID int64, key string) (Grant, error) {
	var grant Grant

	user, limits, rerr := g.user(ctx, userID)
	if rerr != nil {
		return grant, g.reject(userID, rerr)
	}

	var err error
	if g.signer != nil {
		grant.URL, err = g.signer.DownloadURL(ctx, user.ID, key)
		if errors.Is(err, objectstore.ErrNotOwner) {
			return grant, g.reject(user.ID, admission.Invalid(err))
		}
		if err != nil {
			return grant, g.reject(user.ID, admission.Unavailable(err))
		}
		grant.Key = key
	}

	grant.Rate, err = g.limiter.CheckAndConsume(ctx, user.ID, usage.Downloads, limits.DownloadsPerMinute, g.window)
	if err != nil {
		return grant, g.reject(user.ID, admission.Unavailable(err))
	}
	if !grant.Rate.Allowed {
		grant.URL = ""
		return grant, g.reject(user.ID, rateError(usage.Downloads, grant.Rate))
	}

	if _, err := g.tracker.Increment(ctx, user.ID, usage.Downloads, 1); err != nil {
		g.log.Error("failed to count download", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	return grant, nil
}

// ReleaseStorage returns size bytes to the user after a file is deleted.
func (g *Gate) ReleaseStorage(ctx context.Context, userID, size int64) (int64, error) {
	if size <= 0 {
		return 0, admission.Invalid(errors.New("release size must be positive"))
	}
	used, err := g.tracker.ReleaseLifetime(ctx, userID, usage.StorageBytes, size)
	if err != nil {
		return 0, admission.Unavailable(err)
	}
	return used, nil
}

func (g *Gate) user(ctx context.Context, userID int64) (*models.User, plans.Limits, *admission.Error) {
	user, err := g.users.GetUser(ctx, userID)
	if errors.Is(err, models.ErrUserNotFound) {
		return nil, plans.Limits{}, admission.Reject(admission.ReasonUserNotFound)
	}
	if err != nil {
		return nil, plans.Limits{}, admission.Unavailable(err)
	}
	if !user.IsActive {
		return nil, plans.Limits{}, admission.Reject(admission.ReasonUserInactive)
	}
	return user, plans.For(user.Plan), nil
}

func rateError(metric usage.Metric, d ratelimit.Decision) *admission.Error {
	return &admission.Error{
		Reason:     admission.ReasonRateLimited,
		Metric:     string(metric),
		Current:    d.Current,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		RetryAfter: d.RetryAfter,
	}
}

func (g *Gate) reject(userID int64, err *admission.Error) error {
	metrics.AdmissionRejections.WithLabelValues(string(err.Reason)).Inc()
	g.log.Warn("drive transfer rejected",
		zap.Int64("user_id", userID),
		zap.String("reason", string(err.Reason)),
		zap.Error(err),
	)
	return err
}
