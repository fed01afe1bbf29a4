package impl

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
	"github.com/thirdweb-dev/engine-sub001/tests"
)

type testPayload struct {
	QueueID string `json:"queueId"`
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "tx-1", testPayload{QueueID: "tx-1"}))
	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "tx-1", testPayload{QueueID: "tx-1"}))

	var count int
	err := q.sqliteDB.DB.QueryRow(
		`SELECT count(*) FROM jobs WHERE queue = ? AND job_id = ?`, jobs.QueueSend, "tx-1").
		Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestClaimRespectsRunAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "later", testPayload{},
		jobs.WithDelay(time.Hour)))

	_, ok, err := q.claim(ctx, jobs.QueueSend)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "now", testPayload{}))
	j, ok, err := q.claim(ctx, jobs.QueueSend)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "now", j.ID)
	require.Equal(t, 1, j.AttemptsMade)

	// A claimed job can't be claimed again.
	_, ok, err = q.claim(ctx, jobs.QueueSend)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSupersedeCreatesSuccessorFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "send:tx-9:0", testPayload{QueueID: "tx-9"}))
	j, ok, err := q.claim(ctx, jobs.QueueSend)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Supersede(
		ctx, jobs.QueueSend, j.ID, "send:tx-9:1", testPayload{QueueID: "tx-9"},
		jobs.WithDelay(time.Minute)))

	var state, successor string
	err = q.sqliteDB.DB.QueryRow(
		`SELECT state, successor_id FROM jobs WHERE queue = ? AND job_id = ?`,
		jobs.QueueSend, "send:tx-9:0").
		Scan(&state, &successor)
	require.NoError(t, err)
	require.Equal(t, string(jobs.StateSuperseded), state)
	require.Equal(t, "send:tx-9:1", successor)

	err = q.sqliteDB.DB.QueryRow(
		`SELECT state FROM jobs WHERE queue = ? AND job_id = ?`,
		jobs.QueueSend, "send:tx-9:1").
		Scan(&state)
	require.NoError(t, err)
	require.Equal(t, string(jobs.StateActive), state)
}

func TestReaperDeletesSupersededRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "old", testPayload{}))
	require.NoError(t, q.Supersede(ctx, jobs.QueueSend, "old", "new", testPayload{}))

	reaper := NewReaper(q.sqliteDB, time.Hour, 0)
	require.NoError(t, reaper.Sweep(ctx))

	var count int
	err := q.sqliteDB.DB.QueryRow(
		`SELECT count(*) FROM jobs WHERE state = ?`, string(jobs.StateSuperseded)).
		Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	// The successor survives.
	err = q.sqliteDB.DB.QueryRow(
		`SELECT count(*) FROM jobs WHERE job_id = ?`, "new").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestReaperKeepsRowsWithNoRecordedSuccessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "old", testPayload{}))
	require.NoError(t, q.Supersede(ctx, jobs.QueueSend, "old", "new", testPayload{}))

	// A superseded row missing its successor id never handed its work off;
	// the reaper must leave it alone.
	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "orphan", testPayload{}))
	_, err := q.sqliteDB.DB.Exec(
		`UPDATE jobs SET state = ? WHERE job_id = ?`,
		string(jobs.StateSuperseded), "orphan")
	require.NoError(t, err)

	reaper := NewReaper(q.sqliteDB, time.Hour, 0)
	require.NoError(t, reaper.Sweep(ctx))

	var count int
	err = q.sqliteDB.DB.QueryRow(
		`SELECT count(*) FROM jobs WHERE job_id = ?`, "old").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	err = q.sqliteDB.DB.QueryRow(
		`SELECT count(*) FROM jobs WHERE job_id = ?`, "orphan").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRunnerCompletesSuccessfulJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	var runs int64
	runner, err := NewRunner(q)
	require.NoError(t, err)
	runner.Register(jobs.QueueSend, func(ctx context.Context, j jobs.Job) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	runner.Start()
	defer runner.Close()

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "ok", testPayload{}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		var count int
		err := q.sqliteDB.DB.QueryRow(
			`SELECT count(*) FROM jobs WHERE job_id = ?`, "ok").Scan(&count)
		return err == nil && count == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunnerFailsNonRetryableJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	var runs int64
	runner, err := NewRunner(q)
	require.NoError(t, err)
	runner.Register(jobs.QueueSend, func(ctx context.Context, j jobs.Job) error {
		atomic.AddInt64(&runs, 1)
		return jobs.NonRetryable(errors.New("bad payload"))
	})
	runner.Start()
	defer runner.Close()

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "doomed", testPayload{}))

	require.Eventually(t, func() bool {
		var state string
		err := q.sqliteDB.DB.QueryRow(
			`SELECT state FROM jobs WHERE job_id = ?`, "doomed").Scan(&state)
		return err == nil && state == string(jobs.StateFailed)
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, int64(1), atomic.LoadInt64(&runs))
}

func TestRunnerRetriesWithBackoffUntilExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	var runs int64
	runner, err := NewRunner(q)
	require.NoError(t, err)
	runner.Register(jobs.QueueSend, func(ctx context.Context, j jobs.Job) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("transient")
	})
	runner.Start()
	defer runner.Close()

	require.NoError(t, q.Enqueue(ctx, jobs.QueueSend, "flaky", testPayload{},
		jobs.WithMaxAttempts(2), jobs.WithBackoff(10*time.Millisecond)))

	require.Eventually(t, func() bool {
		var state string
		err := q.sqliteDB.DB.QueryRow(
			`SELECT state FROM jobs WHERE job_id = ?`, "flaky").Scan(&state)
		return err == nil && state == string(jobs.StateFailed)
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, int64(2), atomic.LoadInt64(&runs))
}

func TestRunnerReschedulesRetryAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	var runs int64
	runner, err := NewRunner(q)
	require.NoError(t, err)
	runner.Register(jobs.QueueMine, func(ctx context.Context, j jobs.Job) error {
		if atomic.AddInt64(&runs, 1) < 3 {
			return jobs.RetryAfter(10 * time.Millisecond)
		}
		return nil
	})
	runner.Start()
	defer runner.Close()

	require.NoError(t, q.Enqueue(ctx, jobs.QueueMine, "poll", testPayload{},
		jobs.WithMaxAttempts(0)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) == 3
	}, 10*time.Second, 20*time.Millisecond)
}

func newQueue(t *testing.T) *Queue {
	t.Helper()
	sqliteDB, err := database.Open(tests.Sqlite3URL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteDB.Close() })
	return NewQueue(sqliteDB)
}
