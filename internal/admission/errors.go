// Package admission defines why a request was turned away before any work
// was queued. These errors go back to the caller synchronously and are never
// retried here.
package admission

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUserNotFound     = errors.New("user not found")
	ErrUserInactive     = errors.New("user inactive")
	ErrQuotaExceeded    = errors.New("monthly quota exceeded")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrFileTooLarge     = errors.New("file exceeds plan upload size")
	ErrStorageExceeded  = errors.New("storage quota exceeded")
	ErrStoreUnavailable = errors.New("store unavailable")
)

type Reason string

const (
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonUserNotFound     Reason = "user_not_found"
	ReasonUserInactive     Reason = "user_inactive"
	ReasonQuotaExceeded    Reason = "monthly_limit_exceeded"
	ReasonRateLimited      Reason = "rate_limit_exceeded"
	ReasonFileTooLarge     Reason = "file_too_large"
	ReasonStorageExceeded  Reason = "storage_limit_exceeded"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

var sentinels = map[Reason]error{
	ReasonInvalidRequest:   ErrInvalidRequest,
	ReasonUserNotFound:     ErrUserNotFound,
	ReasonUserInactive:     ErrUserInactive,
	ReasonQuotaExceeded:    ErrQuotaExceeded,
	ReasonRateLimited:      ErrRateLimited,
	ReasonFileTooLarge:     ErrFileTooLarge,
	ReasonStorageExceeded:  ErrStorageExceeded,
	ReasonStoreUnavailable: ErrStoreUnavailable,
}

// Error carries the counters behind a rejection. Limit is -1 when the plan
// has no bound on the dimension involved.
type Error struct {
	Reason     Reason
	Metric     string
	Current    int64
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Reason)
	if e.Metric != "" {
		msg += fmt.Sprintf(" (%s %d/%d)", e.Metric, e.Current, e.Limit)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is match the sentinel for the reason.
func (e *Error) Is(target error) bool {
	return sentinels[e.Reason] == target
}

func (e *Error) Unwrap() error { return e.Err }

func Reject(reason Reason) *Error {
	return &Error{Reason: reason}
}

// Unavailable wraps a store failure. Admission fails closed on it.
func Unavailable(err error) *Error {
	return &Error{Reason: ReasonStoreUnavailable, Err: err}
}

// Invalid wraps a validation failure.
func Invalid(err error) *Error {
	return &Error{Reason: ReasonInvalidRequest, Err: err}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}
