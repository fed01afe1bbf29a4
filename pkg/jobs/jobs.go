package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Queue names used by the engine workers.
const (
	// QueueSend holds queued transactions awaiting submission.
	QueueSend = "send"
	// QueueMine holds sent transactions awaiting a receipt.
	QueueMine = "mine"
	// QueueHeal holds nonce-hole-healing requests.
	QueueHeal = "heal"
	// QueueReset holds forced nonce resync requests.
	QueueReset = "reset"
)

// State is a job's queue-level state.
type State string

const (
	// StateActive means the job is runnable once its run time arrives.
	StateActive State = "active"
	// StateRunning means a worker claimed the job.
	StateRunning State = "running"
	// StateSuperseded means a successor job replaced this one; the reaper
	// removes it once the successor is confirmed.
	StateSuperseded State = "superseded"
	// StateFailed means the job exhausted its attempts or failed
	// permanently.
	StateFailed State = "failed"
)

// ErrNonRetryable marks a handler failure that must not be retried by the
// queue. Wrap it with context: errors.Wrap(jobs.ErrNonRetryable, "...").
var ErrNonRetryable = errors.New("job failed permanently")

// NonRetryable annotates an error as permanently failed.
func NonRetryable(err error) error {
	return errors.Wrapf(ErrNonRetryable, "%s", err)
}

// retryAfterError asks the runner to run the job again after a delay without
// treating the attempt as a failure. Used by polling handlers.
type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.after)
}

// RetryAfter returns an error a handler can return to reschedule itself.
func RetryAfter(d time.Duration) error {
	return &retryAfterError{after: d}
}

// RetryDelay extracts the delay from a RetryAfter error, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var re *retryAfterError
	if errors.As(err, &re) {
		return re.after, true
	}
	return 0, false
}

// Job is one unit of work delivered to a handler.
type Job struct {
	Queue        string
	ID           string
	Payload      []byte
	AttemptsMade int
	MaxAttempts  int
	Backoff      time.Duration
	RunAt        time.Time
	State        State
}

// Handler processes a claimed job. Returning nil completes the job; an
// ErrNonRetryable-wrapped error fails it permanently; a RetryAfter error
// reschedules it; any other error retries with exponential backoff up to the
// attempt budget.
type Handler func(ctx context.Context, j Job) error

// Option configures an enqueued job.
type Option func(*Options)

// Options holds enqueue settings.
type Options struct {
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// WithDelay schedules the job to run after d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithMaxAttempts bounds queue-level retries. Zero means unbounded; the
// handler is then responsible for terminating.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBackoff sets the base retry backoff (doubled per attempt).
func WithBackoff(d time.Duration) Option {
	return func(o *Options) { o.Backoff = d }
}

// Queue is a durable, at-least-once job queue. Enqueue is idempotent on
// (queue, id): re-enqueueing an existing id is a no-op. Jobs are the only
// channel workers communicate through.
type Queue interface {
	// Enqueue schedules a job. The payload is JSON-marshaled.
	Enqueue(ctx context.Context, queue, id string, payload interface{}, opts ...Option) error

	// Remove deletes a job that has not run yet.
	Remove(ctx context.Context, queue, id string) error

	// Supersede atomically creates the successor job and marks the old
	// one superseded, successor first, so the work item can never be
	// lost. The reaper deletes the superseded row later.
	Supersede(ctx context.Context, queue, oldID, newID string, payload interface{}, opts ...Option) error
}
