package impl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 5 * time.Second

	// visibilityTimeout is how long a claimed job may run before it is
	// assumed lost to a crashed worker and requeued.
	visibilityTimeout = 5 * time.Minute
)

// Queue is the SQLite-backed durable job queue.
type Queue struct {
	log      zerolog.Logger
	sqliteDB *database.SQLiteDB
}

// NewQueue creates a new queue.
func NewQueue(sqliteDB *database.SQLiteDB) *Queue {
	log := sqliteDB.Log.With().
		Str("component", "jobqueue").
		Logger()

	return &Queue{
		log:      log,
		sqliteDB: sqliteDB,
	}
}

// Enqueue schedules a job, idempotently on (queue, id).
func (q *Queue) Enqueue(
	ctx context.Context, queue, id string, payload interface{}, opts ...jobs.Option,
) error {
	options := applyOptions(opts)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling job payload: %s", err)
	}

	_, err = q.sqliteDB.DB.ExecContext(ctx,
		`INSERT INTO jobs (queue, job_id, payload, state, max_attempts, backoff_ms, run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (queue, job_id) DO NOTHING`,
		queue, id, body, string(jobs.StateActive), options.MaxAttempts,
		options.Backoff.Milliseconds(), time.Now().Add(options.Delay).Unix())
	if err != nil {
		return fmt.Errorf("enqueueing job: %s", err)
	}
	return nil
}

// Remove deletes a job that has not been claimed.
func (q *Queue) Remove(ctx context.Context, queue, id string) error {
	_, err := q.sqliteDB.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND job_id = ? AND state != ?`,
		queue, id, string(jobs.StateRunning))
	if err != nil {
		return fmt.Errorf("removing job: %s", err)
	}
	return nil
}

// Supersede creates the successor first, then marks the old job superseded,
// in one transaction. The superseded row is left for the reaper.
func (q *Queue) Supersede(
	ctx context.Context, queue, oldID, newID string, payload interface{}, opts ...jobs.Option,
) error {
	options := applyOptions(opts)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling job payload: %s", err)
	}

	tx, err := q.sqliteDB.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning supersede: %s", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (queue, job_id, payload, state, max_attempts, backoff_ms, run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (queue, job_id) DO NOTHING`,
		queue, newID, body, string(jobs.StateActive), options.MaxAttempts,
		options.Backoff.Milliseconds(), time.Now().Add(options.Delay).Unix()); err != nil {
		return fmt.Errorf("inserting successor job: %s", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, successor_id = ? WHERE queue = ? AND job_id = ?`,
		string(jobs.StateSuperseded), newID, queue, oldID); err != nil {
		return fmt.Errorf("marking job superseded: %s", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing supersede: %s", err)
	}
	return nil
}

// claim atomically takes the next due job from a queue.
func (q *Queue) claim(ctx context.Context, queue string) (jobs.Job, bool, error) {
	now := time.Now().Unix()
	var (
		j         jobs.Job
		backoffMS int64
		runAt     int64
	)
	err := q.sqliteDB.DB.QueryRowContext(ctx,
		`UPDATE jobs SET state = ?1, attempts_made = attempts_made + 1, claimed_at = ?2
		 WHERE rowid = (
		     SELECT rowid FROM jobs
		     WHERE queue = ?3 AND state = ?4 AND run_at <= ?2
		     ORDER BY run_at ASC LIMIT 1
		 )
		 RETURNING job_id, payload, attempts_made, max_attempts, backoff_ms, run_at`,
		string(jobs.StateRunning), now, queue, string(jobs.StateActive)).
		Scan(&j.ID, &j.Payload, &j.AttemptsMade, &j.MaxAttempts, &backoffMS, &runAt)
	if err == sql.ErrNoRows {
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("claiming job: %s", err)
	}

	j.Queue = queue
	j.State = jobs.StateRunning
	j.Backoff = time.Duration(backoffMS) * time.Millisecond
	j.RunAt = time.Unix(runAt, 0)
	return j, true, nil
}

// complete deletes a finished job.
func (q *Queue) complete(ctx context.Context, queue, id string) error {
	_, err := q.sqliteDB.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND job_id = ? AND state = ?`,
		queue, id, string(jobs.StateRunning))
	if err != nil {
		return fmt.Errorf("completing job: %s", err)
	}
	return nil
}

// reschedule puts a claimed job back on the queue to run after delay.
func (q *Queue) reschedule(ctx context.Context, queue, id string, delay time.Duration) error {
	_, err := q.sqliteDB.DB.ExecContext(ctx,
		`UPDATE jobs SET state = ?, run_at = ?, claimed_at = NULL
		 WHERE queue = ? AND job_id = ? AND state = ?`,
		string(jobs.StateActive), time.Now().Add(delay).Unix(),
		queue, id, string(jobs.StateRunning))
	if err != nil {
		return fmt.Errorf("rescheduling job: %s", err)
	}
	return nil
}

// fail marks a claimed job permanently failed.
func (q *Queue) fail(ctx context.Context, queue, id string) error {
	_, err := q.sqliteDB.DB.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE queue = ? AND job_id = ?`,
		string(jobs.StateFailed), queue, id)
	if err != nil {
		return fmt.Errorf("failing job: %s", err)
	}
	return nil
}

// depth counts the jobs waiting or running on a queue.
func (q *Queue) depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := q.sqliteDB.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE queue = ? AND state IN (?, ?)`,
		queue, string(jobs.StateActive), string(jobs.StateRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue depth: %s", err)
	}
	return n, nil
}

// requeueStale returns crashed workers' jobs to the queue after the
// visibility timeout.
func (q *Queue) requeueStale(ctx context.Context) error {
	cutoff := time.Now().Add(-visibilityTimeout).Unix()
	res, err := q.sqliteDB.DB.ExecContext(ctx,
		`UPDATE jobs SET state = ?, claimed_at = NULL, run_at = ?
		 WHERE state = ? AND claimed_at < ?`,
		string(jobs.StateActive), time.Now().Unix(), string(jobs.StateRunning), cutoff)
	if err != nil {
		return fmt.Errorf("requeueing stale jobs: %s", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		q.log.Warn().Int64("jobs", n).Msg("requeued stale running jobs")
	}
	return nil
}

func applyOptions(opts []jobs.Option) jobs.Options {
	options := jobs.Options{
		MaxAttempts: defaultMaxAttempts,
		Backoff:     defaultBackoff,
	}
	for _, op := range opts {
		op(&options)
	}
	return options
}
