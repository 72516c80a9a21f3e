// Package worker drains the email queue and drives jobs through their
// lifecycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"PulseQueue/internal/metrics"
	"PulseQueue/internal/models"
	"PulseQueue/internal/retry"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 10

	// promoteLimit bounds how many delayed references one cycle moves onto
	// the ready list.
	promoteLimit = 100

	reclaimLimit = 100

	// unhealthyAfter is the number of failed drain cycles in a row after
	// which Healthy reports false.
	unhealthyAfter = 3
)

type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.EmailJob, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id string, errorMsg string) error
	MarkFailed(ctx context.Context, id string, errorMsg string) error
	ReclaimStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.EmailJob, error)
}

type Transport interface {
	Push(ctx context.Context, ref models.QueueReference) error
	PushDelayed(ctx context.Context, ref models.QueueReference, at time.Time) error
	PromoteDue(ctx context.Context, now time.Time, max int) (int, error)
	Pop(ctx context.Context, n int) ([]models.QueueReference, error)
	Requeue(ctx context.Context, refs []models.QueueReference) error
	Queued(ctx context.Context, ref models.QueueReference) (bool, error)
	Len(ctx context.Context) (int64, error)
}

// Sender delivers SEND jobs; *email.Sender satisfies it.
type Sender interface {
	Send(ctx context.Context, job *models.EmailJob) error
}

// Receiver handles RECEIVE jobs; *email.Receiver satisfies it.
type Receiver interface {
	Receive(ctx context.Context, job *models.EmailJob) error
}

// Report summarises one drain cycle.
type Report struct {
	Promoted  int
	Popped    int
	Completed int
	Retried   int
	Failed    int
	Skipped   int
	Requeued  int
}

type Worker struct {
	jobs      JobStore
	transport Transport
	sender    Sender
	receiver  Receiver
	policy    *retry.Policy
	log       *zap.Logger

	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	done     chan struct{}
	stopping atomic.Bool
	failures atomic.Int64
}

type Option func(*Worker)

// WithInterval sets the pause between drain cycles.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize bounds how many references one cycle pops.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithStaleAfter enables the stale-job sweep. Jobs untouched for longer than
// d are republished. Zero disables the periodic sweep.
func WithStaleAfter(d time.Duration) Option {
	return func(w *Worker) { w.staleAfter = d }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(
	jobs JobStore,
	transport Transport,
	sender Sender,
	receiver Receiver,
	policy *retry.Policy,
	log *zap.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		jobs:      jobs,
		transport: transport,
		sender:    sender,
		receiver:  receiver,
		policy:    policy,
		log:       log,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs one drain cycle right away and then one per interval until
// Stop. It returns immediately; calling it twice is a no-op. The loop keeps
// ctx's values but not its cancellation: Stop is the only way to end it, so
// an attempt in flight always gets to record its outcome.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true
	w.stopping.Store(false)
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	w.log.Info("worker started",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize),
	)
	go w.loop(context.WithoutCancel(ctx), w.stopCh, w.done)
}

// Stop prevents further cycles and waits for the one in flight, if any, to
// finish. The in-flight delivery attempt is never cancelled; if ctx expires
// first Stop returns ctx.Err() and the loop exits on its own afterwards.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.stopping.Store(true)
	close(w.stopCh)
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		w.log.Info("worker stopped")
		return nil
	case <-ctx.Done():
		w.log.Warn("worker stop timed out waiting for in-flight job")
		return ctx.Err()
	}
}

// Healthy is false once several drain cycles in a row have failed.
func (w *Worker) Healthy() bool {
	return w.failures.Load() < unhealthyAfter
}

func (w *Worker) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var sweep <-chan time.Time
	if w.staleAfter > 0 {
		t := time.NewTicker(w.staleAfter)
		defer t.Stop()
		sweep = t.C
	}

	w.cycle(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.cycle(ctx)
		case <-sweep:
			if _, err := w.Recover(ctx); err != nil {
				w.log.Error("stale job sweep failed", zap.Error(err))
			}
		}
	}
}

// cycle runs Drain and turns its error into the health signal. Nothing that
// happens inside a cycle ends the loop.
func (w *Worker) cycle(ctx context.Context) {
	rep, err := w.Drain(ctx)
	if err != nil {
		n := w.failures.Add(1)
		metrics.DrainErrors.Inc()
		metrics.ConsecutiveDrainFailures.Set(float64(n))
		w.log.Error("drain cycle aborted",
			zap.Int64("consecutive_failures", n),
			zap.Int("requeued", rep.Requeued),
			zap.Error(err),
		)
		return
	}
	w.failures.Store(0)
	metrics.ConsecutiveDrainFailures.Set(0)

	if rep.Popped > 0 {
		w.log.Info("drain cycle finished",
			zap.Int("popped", rep.Popped),
			zap.Int("completed", rep.Completed),
			zap.Int("retried", rep.Retried),
			zap.Int("failed", rep.Failed),
			zap.Int("skipped", rep.Skipped),
		)
	}
}

// Drain runs one cycle: promote due delayed references, pop up to the batch
// size and process them in order. A store or transport error aborts the
// cycle; references not yet handled go back to the head of the queue.
func (w *Worker) Drain(ctx context.Context) (Report, error) {
	var rep Report

	promoted, err := w.transport.PromoteDue(ctx, w.now(), promoteLimit)
	if err != nil {
		return rep, err
	}
	rep.Promoted = promoted

	refs, err := w.transport.Pop(ctx, w.batchSize)
	if err != nil {
		return rep, err
	}
	rep.Popped = len(refs)

	for i, ref := range refs {
		if w.stopping.Load() {
			return rep, w.requeue(ctx, refs[i:], &rep, nil)
		}

		started, err := w.process(ctx, ref, &rep)
		if err != nil {
			rest := refs[i:]
			if started {
				// the job itself stays non-terminal and the stale sweep
				// picks it up
				rest = refs[i+1:]
			}
			return rep, w.requeue(ctx, rest, &rep, err)
		}
	}

	if depth, err := w.transport.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return rep, nil
}

func (w *Worker) requeue(ctx context.Context, refs []models.QueueReference, rep *Report, cause error) error {
	if len(refs) == 0 {
		return cause
	}
	if err := w.transport.Requeue(ctx, refs); err != nil {
		w.log.Error("failed to requeue references",
			zap.Int("count", len(refs)),
			zap.Error(err),
		)
		return errors.Join(cause, err)
	}
	rep.Requeued += len(refs)
	return cause
}

// process handles one reference. started reports whether a delivery attempt
// was made, in which case the reference must not be requeued.
func (w *Worker) process(ctx context.Context, ref models.QueueReference, rep *Report) (started bool, err error) {

	// ----------------------------
	// Resolve job
	// ----------------------------
	job, err := w.jobs.GetJob(ctx, ref.JobID)
	if errors.Is(err, models.ErrJobNotFound) {
		w.skip(ref, "job record not found", rep)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get job %s: %w", ref.JobID, err)
	}

	// ----------------------------
	// Mark as Processing
	// ----------------------------
	err = w.jobs.MarkProcessing(ctx, job.ID)
	switch {
	case errors.Is(err, models.ErrInvalidTransition):
		w.skip(ref, "job already "+string(job.Status), rep)
		return false, nil
	case errors.Is(err, models.ErrJobNotFound):
		w.skip(ref, "job record not found", rep)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("mark processing %s: %w", job.ID, err)
	}

	// ----------------------------
	// Deliver
	// ----------------------------
	start := time.Now()
	attemptErr := w.deliver(ctx, job)
	outcome := w.policy.Decide(job, attemptErr)

	// ----------------------------
	// Apply outcome
	// ----------------------------
	label := "completed"
	switch o := outcome.(type) {
	case retry.Complete:
		if err := w.jobs.MarkCompleted(ctx, job.ID); err != nil {
			return true, fmt.Errorf("mark completed %s: %w", job.ID, err)
		}
		rep.Completed++
		if job.Type == models.JobSend {
			metrics.EmailsSent.Inc()
		}
		w.log.Info("job completed",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.String("to", job.Recipient),
		)

	case retry.Retry:
		label = "retried"
		if err := w.jobs.MarkRetrying(ctx, job.ID, o.Reason); err != nil {
			return true, fmt.Errorf("mark retrying %s: %w", job.ID, err)
		}
		if err := w.publish(ctx, job.Reference(), o.Delay); err != nil {
			return true, err
		}
		rep.Retried++
		metrics.EmailRetries.Inc()
		w.log.Warn("delivery failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", o.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Duration("delay", o.Delay),
			zap.String("error", o.Reason),
		)

	case retry.Fail:
		label = "failed"
		if err := w.jobs.MarkFailed(ctx, job.ID, o.Reason); err != nil {
			return true, fmt.Errorf("mark failed %s: %w", job.ID, err)
		}
		rep.Failed++
		metrics.EmailFailures.Inc()
		w.log.Error("job failed",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", o.RetryCount),
			zap.String("to", job.Recipient),
			zap.String("error", o.Reason),
		)

	default:
		return true, fmt.Errorf("job %s: unhandled outcome %T", job.ID, outcome)
	}

	metrics.DeliveryDuration.WithLabelValues(string(job.Type), label).Observe(time.Since(start).Seconds())
	return true, nil
}

// deliver makes one attempt. A panic in the transport becomes an ordinary
// delivery error.
func (w *Worker) deliver(ctx context.Context, job *models.EmailJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("delivery panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()

	switch job.Type {
	case models.JobSend:
		return w.sender.Send(ctx, job)
	case models.JobReceive:
		return w.receiver.Receive(ctx, job)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %q", models.ErrUnknownJobType, job.Type))
	}
}

func (w *Worker) publish(ctx context.Context, ref models.QueueReference, delay time.Duration) error {
	if delay > 0 {
		return w.transport.PushDelayed(ctx, ref, w.now().Add(delay))
	}
	return w.transport.Push(ctx, ref)
}

func (w *Worker) skip(ref models.QueueReference, reason string, rep *Report) {
	rep.Skipped++
	metrics.ConsistencySkips.Inc()
	w.log.Warn("skipping queue reference",
		zap.String("job_id", ref.JobID),
		zap.Int64("user_id", ref.UserID),
		zap.String("reason", reason),
	)
}

// Recover republishes jobs that have sat in a non-terminal state for longer
// than the stale threshold: records whose reference was lost in a failed
// push, and jobs left PROCESSING by a crash. A job whose reference is still
// waiting on the queue is left alone; it is only backlogged. Scheduled jobs
// that are not yet due go back on the delayed set.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	if w.staleAfter <= 0 {
		return 0, nil
	}

	now := w.now()
	jobs, err := w.jobs.ReclaimStale(ctx, now.Add(-w.staleAfter), reclaimLimit)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}

	republished := 0
	for _, job := range jobs {
		ref := job.Reference()
		queued, err := w.transport.Queued(ctx, ref)
		if err != nil {
			return republished, fmt.Errorf("look up reference %s: %w", job.ID, err)
		}
		if queued {
			continue
		}

		var delay time.Duration
		if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			delay = job.ScheduledAt.Sub(now)
		}
		if err := w.publish(ctx, ref, delay); err != nil {
			return republished, fmt.Errorf("republish %s: %w", job.ID, err)
		}
		republished++
		w.log.Warn("republished stale job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Time("updated_at", job.UpdatedAt),
		)
	}
	return republished, nil
}
