package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"PulseQueue/internal/admission"
	"PulseQueue/internal/drive"
	"PulseQueue/internal/enqueue"
	"PulseQueue/internal/models"
)

type Enqueuer interface {
	Submit(ctx context.Context, spec enqueue.Spec) (enqueue.Result, error)
	Job(ctx context.Context, id string) (*models.EmailJob, error)
	QueueStats(ctx context.Context) (enqueue.QueueStats, error)
	UsageStats(ctx context.Context, userID int64) (enqueue.UsageStats, error)
}

type DriveGate interface {
	AuthorizeUpload(ctx context.Context, userID, size int64) (drive.Grant, error)
	AuthorizeDownload(ctx context.Context, userID int64, key string) (drive.Grant, error)
	ReleaseStorage(ctx context.Context, userID, size int64) (int64, error)
}

// Check is one dependency probe for /healthz.
type Check func(ctx context.Context) error

type Handler struct {
	Enqueuer    Enqueuer
	Drive       DriveGate
	Healthy     func() bool
	Checks      map[string]Check
	MaxBulkRows int
	Log         *zap.Logger

	validate *validator.Validate
}

func New(enq Enqueuer, gate DriveGate, log *zap.Logger) *Handler {
	return &Handler{
		Enqueuer: enq,
		Drive:    gate,
		Log:      log,
		Checks:   map[string]Check{},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", h.SendEmail)
	mux.HandleFunc("POST /send/bulk", h.SendBulk)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /usage/{userId}", h.Usage)
	mux.HandleFunc("POST /drive/uploads", h.AuthorizeUpload)
	mux.HandleFunc("POST /drive/downloads", h.AuthorizeDownload)
	mux.HandleFunc("POST /drive/releases", h.ReleaseStorage)
	mux.HandleFunc("GET /healthz", h.Health)
	return mux
}

// WithCORS lets browser clients on origins call the API. An empty list
// leaves next untouched.
func WithCORS(next http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
	}).Handler(next)
}

func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var spec enqueue.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Reason: string(admission.ReasonInvalidRequest), Error: err.Error()})
		return
	}

	res, err := h.Enqueuer.Submit(r.Context(), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"jobId":   res.JobID,
		"quota":   res.Quota,
		"rate":    res.Rate,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Enqueuer.QueueStats(r.Context())
	if err != nil {
		h.Log.Error("queue stats failed", zap.Error(err))
		h.writeError(w, admission.Unavailable(err))
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Enqueuer.Job(r.Context(), r.PathValue("id"))
	if errors.Is(err, models.ErrJobNotFound) {
		h.writeJSON(w, http.StatusNotFound, errorBody{Reason: "job_not_found", Error: err.Error()})
		return
	}
	if err != nil {
		h.Log.Error("job lookup failed", zap.String("job_id", r.PathValue("id")), zap.Error(err))
		h.writeError(w, admission.Unavailable(err))
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("userId"), 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, admission.Invalid(errors.New("userId must be a positive integer")))
		return
	}

	st, err := h.Enqueuer.UsageStats(r.Context(), userID)
	if errors.Is(err, models.ErrUserNotFound) {
		h.writeError(w, admission.Reject(admission.ReasonUserNotFound))
		return
	}
	if err != nil {
		h.Log.Error("usage stats failed", zap.Int64("user_id", userID), zap.Error(err))
		h.writeError(w, admission.Unavailable(err))
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

type transferRequest struct {
	UserID int64  `json:"userId" validate:"required,gt=0"`
	Size   int64  `json:"size" validate:"omitempty,gt=0"`
	Key    string `json:"key" validate:"omitempty,max=512"`
}

func (h *Handler) decodeTransfer(w http.ResponseWriter, r *http.Request, needSize bool) (transferRequest, bool) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, admission.Invalid(err))
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, admission.Invalid(err))
		return req, false
	}
	if needSize && req.Size == 0 {
		h.writeError(w, admission.Invalid(errors.New("size is required")))
		return req, false
	}
	return req, true
}

func (h *Handler) AuthorizeUpload(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransfer(w, r, true)
	if !ok {
		return
	}
	grant, err := h.Drive.AuthorizeUpload(r.Context(), req.UserID, req.Size)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"storage": grant.Storage,
		"rate":    grant.Rate,
		"key":     grant.Key,
		"url":     grant.URL,
	})
}

func (h *Handler) AuthorizeDownload(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransfer(w, r, false)
	if !ok {
		return
	}
	grant, err := h.Drive.AuthorizeDownload(r.Context(), req.UserID, req.Key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "rate": grant.Rate, "url": grant.URL})
}

func (h *Handler) ReleaseStorage(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransfer(w, r, true)
	if !ok {
		return
	}
	used, err := h.Drive.ReleaseStorage(r.Context(), req.UserID, req.Size)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "storageUsed": used})
}

// Health reports the worker's drain health and each dependency probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{}
	if h.Healthy != nil {
		body["worker"] = "ok"
		if !h.Healthy() {
			body["worker"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	for name, check := range h.Checks {
		body[name] = "ok"
		if err := check(ctx); err != nil {
			body[name] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	h.writeJSON(w, status, body)
}

type errorBody struct {
	Success    bool   `json:"success"`
	Reason     string `json:"reason"`
	Error      string `json:"error,omitempty"`
	Metric     string `json:"metric,omitempty"`
	Current    *int64 `json:"current,omitempty"`
	Limit      *int64 `json:"limit,omitempty"`
	Remaining  *int64 `json:"remaining,omitempty"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

var statusByReason = map[admission.Reason]int{
	admission.ReasonInvalidRequest:   http.StatusBadRequest,
	admission.ReasonUserNotFound:     http.StatusNotFound,
	admission.ReasonUserInactive:     http.StatusForbidden,
	admission.ReasonQuotaExceeded:    http.StatusTooManyRequests,
	admission.ReasonRateLimited:      http.StatusTooManyRequests,
	admission.ReasonFileTooLarge:     http.StatusRequestEntityTooLarge,
	admission.ReasonStorageExceeded:  http.StatusInsufficientStorage,
	admission.ReasonStoreUnavailable: http.StatusServiceUnavailable,
}

// writeError maps an admission rejection onto a status code and body. Any
// other error is treated as an internal failure.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	ae, ok := admission.As(err)
	if !ok {
		h.Log.Error("unexpected handler error", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Reason: "internal_error"})
		return
	}

	body := errorBody{Reason: string(ae.Reason), Metric: ae.Metric}
	switch ae.Reason {
	case admission.ReasonInvalidRequest:
		body.Error = ae.Error()
	case admission.ReasonQuotaExceeded, admission.ReasonRateLimited,
		admission.ReasonFileTooLarge, admission.ReasonStorageExceeded:
		body.Current, body.Limit, body.Remaining = &ae.Current, &ae.Limit, &ae.Remaining
	}
	if ae.RetryAfter > 0 {
		secs := int64(math.Ceil(ae.RetryAfter.Seconds()))
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	status, ok := statusByReason[ae.Reason]
	if !ok {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Warn("failed to encode response", zap.Error(err))
	}
}
