package impl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
)

// Reaper periodically deletes superseded job rows whose successor was
// recorded. Supersession creates the successor and marks the old row in one
// transaction; a successor row missing from the table already ran to
// completion, so the recorded id is the confirmation. A grace period keeps
// reaped rows visible briefly for debugging.
type Reaper struct {
	log      zerolog.Logger
	sqliteDB *database.SQLiteDB
	interval time.Duration
	grace    time.Duration

	quitOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewReaper creates a reaper sweeping at the given interval.
func NewReaper(sqliteDB *database.SQLiteDB, interval, grace time.Duration) *Reaper {
	log := sqliteDB.Log.With().
		Str("component", "jobreaper").
		Logger()

	return &Reaper{
		log:      log,
		sqliteDB: sqliteDB,
		interval: interval,
		grace:    grace,
		quit:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := r.Sweep(ctx); err != nil {
					r.log.Error().Err(err).Msg("sweeping superseded jobs")
				}
				cancel()
			case <-r.quit:
				return
			}
		}
	}()
}

// Close stops the sweep loop.
func (r *Reaper) Close() {
	r.quitOnce.Do(func() {
		close(r.quit)
	})
	r.wg.Wait()
}

// Sweep deletes superseded rows older than the grace period, skipping any
// with no recorded successor: those never handed their work off and deleting
// them would lose it.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.grace).Unix()
	res, err := r.sqliteDB.DB.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE state = ? AND created_at <= ? AND successor_id IS NOT NULL`,
		string(jobs.StateSuperseded), cutoff)
	if err != nil {
		return fmt.Errorf("deleting superseded jobs: %s", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		r.log.Debug().Int64("jobs", n).Msg("reaped superseded jobs")
	}

	var orphans int64
	if err := r.sqliteDB.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE state = ? AND successor_id IS NULL`,
		string(jobs.StateSuperseded)).Scan(&orphans); err != nil {
		return fmt.Errorf("counting orphaned superseded jobs: %s", err)
	}
	if orphans > 0 {
		r.log.Warn().Int64("jobs", orphans).Msg("superseded jobs with no recorded successor")
	}
	return nil
}
