package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrUnknownJobType    = errors.New("unknown job type")
)

// JobType is the direction of an email job.
type JobType string

const (
	JobSend    JobType = "SEND"
	JobReceive JobType = "RECEIVE"
)

func (t JobType) Valid() bool {
	switch t {
	case JobSend, JobReceive:
		return true
	}
	return false
}

// ParseJobType rejects anything other than the known directions so an
// unrecognised type never reaches the worker as a silent no-op.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
	}
	return t, nil
}

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusRetrying   JobStatus = "RETRYING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition encodes the job lifecycle:
//
//	PENDING -> PROCESSING -> COMPLETED | RETRYING | FAILED
//	RETRYING -> PROCESSING
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case StatusPending, StatusRetrying:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusRetrying || to == StatusFailed
	}
	return false
}

// SourceStatuses lists the states a job may be in before moving to s.
func SourceStatuses(to JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range []JobStatus{StatusPending, StatusProcessing, StatusRetrying} {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

type EmailJob struct {
	ID        string  `json:"id"`
	UserID    int64   `json:"userId"`
	Type      JobType `json:"type"`
	Recipient string  `json:"recipient"`
	Subject   string  `json:"subject,omitempty"`
	Content   string  `json:"content,omitempty"`

	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	Error      string    `json:"error,omitempty"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Reference builds the queue payload for this job.
func (j *EmailJob) Reference() QueueReference {
	return QueueReference{
		JobID:     j.ID,
		UserID:    j.UserID,
		Type:      j.Type,
		Recipient: j.Recipient,
		Subject:   j.Subject,
		Content:   j.Content,
	}
}
