// Package retry decides what happens to a job after a delivery attempt.
package retry

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"PulseQueue/internal/models"
)

// Outcome is one of Complete, Retry or Fail.
type Outcome interface {
	outcome()
}

type Complete struct{}

// Retry asks for another attempt after Delay. RetryCount is the job's count
// once this failure has been recorded.
type Retry struct {
	Delay      time.Duration
	RetryCount int
	Reason     string
}

// Fail is terminal.
type Fail struct {
	RetryCount int
	Reason     string
}

func (Complete) outcome() {}
func (Retry) outcome()    {}
func (Fail) outcome()     {}

type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func NewPolicy(initial, maxInterval time.Duration) *Policy {
	return &Policy{
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		Multiplier:      backoff.DefaultMultiplier,
	}
}

// Decide maps an attempt result onto the job lifecycle. Every failure counts
// one retry; the failure that brings the count to MaxRetries is final, as is
// any error wrapped with backoff.Permanent.
func (p *Policy) Decide(job *models.EmailJob, attemptErr error) Outcome {
	if attemptErr == nil {
		return Complete{}
	}

	count := job.RetryCount + 1
	var perm *backoff.PermanentError
	if count >= job.MaxRetries || errors.As(attemptErr, &perm) {
		return Fail{RetryCount: count, Reason: attemptErr.Error()}
	}
	return Retry{Delay: p.Delay(count), RetryCount: count, Reason: attemptErr.Error()}
}

// Delay returns the wait before retry number n (1-indexed): InitialInterval
// grown by Multiplier per retry and capped at MaxInterval, without jitter.
func (p *Policy) Delay(n int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for range max(n, 1) {
		d = b.NextBackOff()
	}
	return d
}
