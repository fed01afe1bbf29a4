package impl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
	"go.uber.org/atomic"
)

const staleSweepInterval = time.Minute

// Runner claims jobs from registered queues and dispatches them to handlers.
// Each registered queue gets its own worker goroutine.
type Runner struct {
	log       zerolog.Logger
	queue     *Queue
	handlers  map[string]jobs.Handler
	metrics   *runnerMetrics
	processed atomic.Int64

	quitOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a runner on top of a queue.
func NewRunner(queue *Queue) (*Runner, error) {
	log := queue.log.With().
		Str("component", "jobrunner").
		Logger()

	r := &Runner{
		log:      log,
		queue:    queue,
		handlers: map[string]jobs.Handler{},
		quit:     make(chan struct{}),
	}
	if err := r.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing instrumentation: %s", err)
	}
	return r, nil
}

// Register binds a handler to a queue name. Must be called before Start.
func (r *Runner) Register(queue string, h jobs.Handler) {
	r.handlers[queue] = h
}

// Start spawns one worker per registered queue plus a stale-job sweeper.
func (r *Runner) Start() {
	for queue := range r.handlers {
		queue := queue
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runWorker(queue)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(staleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := r.queue.requeueStale(ctx); err != nil {
					r.log.Error().Err(err).Msg("sweeping stale jobs")
				}
				for queue := range r.handlers {
					depth, err := r.queue.depth(ctx, queue)
					if err != nil {
						r.log.Error().Err(err).Str("queue", queue).Msg("counting queue depth")
						continue
					}
					r.metrics.setDepth(queue, depth)
				}
				cancel()
			case <-r.quit:
				return
			}
		}
	}()
}

// Close stops the workers and waits for in-flight handlers to finish.
func (r *Runner) Close() {
	r.quitOnce.Do(func() {
		close(r.quit)
	})
	r.wg.Wait()
	r.log.Info().Int64("processedJobs", r.processed.Load()).Msg("job runner closed")
}

// Processed returns how many jobs were dispatched since Start.
func (r *Runner) Processed() int64 {
	return r.processed.Load()
}

func (r *Runner) runWorker(queue string) {
	handler := r.handlers[queue]
	idle := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-r.quit:
			return
		default:
		}

		ctx := context.Background()
		j, ok, err := r.queue.claim(ctx, queue)
		if err != nil {
			r.log.Error().Err(err).Str("queue", queue).Msg("claiming job")
			ok = false
		}
		if !ok {
			select {
			case <-time.After(idle.Duration()):
			case <-r.quit:
				return
			}
			continue
		}
		idle.Reset()

		r.dispatch(ctx, handler, j)
		r.processed.Inc()
	}
}

// dispatch runs the handler and settles the job's fate from its error.
func (r *Runner) dispatch(ctx context.Context, handler jobs.Handler, j jobs.Job) {
	log := r.log.With().
		Str("queue", j.Queue).
		Str("jobID", j.ID).
		Int("attempt", j.AttemptsMade).
		Logger()

	err := handler(ctx, j)
	switch {
	case err == nil:
		if err := r.queue.complete(ctx, j.Queue, j.ID); err != nil {
			log.Error().Err(err).Msg("completing job")
		}
	case isRetryAfter(err):
		delay, _ := jobs.RetryDelay(err)
		if err := r.queue.reschedule(ctx, j.Queue, j.ID, delay); err != nil {
			log.Error().Err(err).Msg("rescheduling polling job")
		}
	case errors.Is(err, jobs.ErrNonRetryable):
		log.Warn().Err(err).Msg("job failed permanently")
		if err := r.queue.fail(ctx, j.Queue, j.ID); err != nil {
			log.Error().Err(err).Msg("failing job")
		}
	case j.MaxAttempts > 0 && j.AttemptsMade >= j.MaxAttempts:
		log.Warn().Err(err).Msg("job exhausted attempts")
		if err := r.queue.fail(ctx, j.Queue, j.ID); err != nil {
			log.Error().Err(err).Msg("failing job")
		}
	default:
		delay := retryDelay(j.Backoff, j.AttemptsMade)
		log.Warn().Err(err).Dur("retryIn", delay).Msg("job failed, retrying")
		if err := r.queue.reschedule(ctx, j.Queue, j.ID, delay); err != nil {
			log.Error().Err(err).Msg("rescheduling failed job")
		}
	}
}

func isRetryAfter(err error) bool {
	_, ok := jobs.RetryDelay(err)
	return ok
}

// retryDelay doubles the base backoff per attempt made.
func retryDelay(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	d := base
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d > time.Hour {
			return time.Hour
		}
	}
	return d
}
