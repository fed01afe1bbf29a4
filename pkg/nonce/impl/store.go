package impl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/nonce"
)

// NonceStore implements the durable counter/set primitives on SQLite.
// Every mutating method is a single guarded statement (or one transaction
// for reset), so concurrent workers serialize on the database, never on
// worker memory.
type NonceStore struct {
	log      zerolog.Logger
	sqliteDB *database.SQLiteDB
}

// NewNonceStore creates a new nonce store.
func NewNonceStore(sqliteDB *database.SQLiteDB) nonce.Store {
	log := sqliteDB.Log.With().
		Str("component", "noncestore").
		Logger()

	return &NonceStore{
		log:      log,
		sqliteDB: sqliteDB,
	}
}

// EnsureState creates the wallet's nonce row if absent.
func (s *NonceStore) EnsureState(
	ctx context.Context, chainID engine.ChainID, addr common.Address, lastAllocated int64,
) error {
	_, err := s.sqliteDB.DB.ExecContext(ctx,
		`INSERT INTO nonce_state (chain_id, address, last_allocated, confirmed_max)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (chain_id, address) DO NOTHING`,
		int64(chainID), addr.Hex(), lastAllocated, lastAllocated)
	if err != nil {
		return fmt.Errorf("nonce store ensure state: %s", err)
	}
	return nil
}

// IncrementLastAllocated atomically increments the allocation counter.
func (s *NonceStore) IncrementLastAllocated(
	ctx context.Context, chainID engine.ChainID, addr common.Address,
) (int64, int64, error) {
	var allocated, epoch int64
	err := s.sqliteDB.DB.QueryRowContext(ctx,
		`UPDATE nonce_state SET last_allocated = last_allocated + 1
		 WHERE chain_id = ? AND address = ?
		 RETURNING last_allocated, epoch`,
		int64(chainID), addr.Hex()).Scan(&allocated, &epoch)
	if err == sql.ErrNoRows {
		return 0, 0, nonce.ErrStateNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("nonce store increment: %s", err)
	}
	return allocated, epoch, nil
}

// PopMinRecycled atomically removes and returns the smallest recycled nonce.
func (s *NonceStore) PopMinRecycled(
	ctx context.Context, chainID engine.ChainID, addr common.Address,
) (int64, int64, error) {
	var popped, epoch int64
	err := s.sqliteDB.DB.QueryRowContext(ctx,
		`DELETE FROM recycled_nonces
		 WHERE rowid = (
		     SELECT rowid FROM recycled_nonces
		     WHERE chain_id = ? AND address = ?
		     ORDER BY nonce ASC LIMIT 1
		 )
		 RETURNING nonce, epoch`,
		int64(chainID), addr.Hex()).Scan(&popped, &epoch)
	if err == sql.ErrNoRows {
		return 0, 0, nonce.ErrRecycledEmpty
	}
	if err != nil {
		return 0, 0, fmt.Errorf("nonce store pop recycled: %s", err)
	}
	return popped, epoch, nil
}

// AddRecycled inserts a nonce into the recycled set. The insert carries the
// epoch, cap and range guards so a stale or oversized recycle is a no-op at
// the statement level.
func (s *NonceStore) AddRecycled(
	ctx context.Context, chainID engine.ChainID, addr common.Address, n, epoch, cap int64,
) (bool, error) {
	res, err := s.sqliteDB.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO recycled_nonces (chain_id, address, nonce, epoch)
		 SELECT ?1, ?2, ?3, ?4
		 WHERE EXISTS (
		     SELECT 1 FROM nonce_state
		     WHERE chain_id = ?1 AND address = ?2
		       AND epoch = ?4
		       AND last_allocated >= ?3
		       AND confirmed_max < ?3
		 )
		 AND ?3 >= 0
		 AND (SELECT COUNT(*) FROM recycled_nonces WHERE chain_id = ?1 AND address = ?2) < ?5`,
		int64(chainID), addr.Hex(), n, epoch, cap)
	if err != nil {
		return false, fmt.Errorf("nonce store add recycled: %s", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("nonce store add recycled rows affected: %s", err)
	}
	return affected > 0, nil
}

// ListRecycled returns the recycled nonces in ascending order.
func (s *NonceStore) ListRecycled(
	ctx context.Context, chainID engine.ChainID, addr common.Address,
) ([]int64, error) {
	rows, err := s.sqliteDB.DB.QueryContext(ctx,
		`SELECT nonce FROM recycled_nonces
		 WHERE chain_id = ? AND address = ?
		 ORDER BY nonce ASC`,
		int64(chainID), addr.Hex())
	if err != nil {
		return nil, fmt.Errorf("nonce store list recycled: %s", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing recycled rows")
		}
	}()

	nonces := make([]int64, 0)
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("nonce store scan recycled: %s", err)
		}
		nonces = append(nonces, n)
	}
	return nonces, rows.Err()
}

// GetState returns the wallet's nonce accounting.
func (s *NonceStore) GetState(
	ctx context.Context, chainID engine.ChainID, addr common.Address,
) (nonce.State, error) {
	var st nonce.State
	err := s.sqliteDB.DB.QueryRowContext(ctx,
		`SELECT last_allocated, confirmed_max, epoch,
		        (SELECT COUNT(*) FROM recycled_nonces WHERE chain_id = ?1 AND address = ?2)
		 FROM nonce_state WHERE chain_id = ?1 AND address = ?2`,
		int64(chainID), addr.Hex()).
		Scan(&st.LastAllocated, &st.ConfirmedMax, &st.Epoch, &st.RecycledCount)
	if err == sql.ErrNoRows {
		return nonce.State{}, nonce.ErrStateNotFound
	}
	if err != nil {
		return nonce.State{}, fmt.Errorf("nonce store get state: %s", err)
	}
	return st, nil
}

// ResetState forces the nonce space to newNonce and bumps the epoch.
func (s *NonceStore) ResetState(
	ctx context.Context, chainID engine.ChainID, addr common.Address, newNonce int64,
) error {
	tx, err := s.sqliteDB.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("nonce store begin reset: %s", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nonce_state (chain_id, address, last_allocated, confirmed_max, epoch)
		 VALUES (?1, ?2, ?3, ?3, 1)
		 ON CONFLICT (chain_id, address) DO UPDATE SET
		     last_allocated = ?3,
		     confirmed_max = ?3,
		     epoch = nonce_state.epoch + 1`,
		int64(chainID), addr.Hex(), newNonce); err != nil {
		return fmt.Errorf("nonce store reset state: %s", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM recycled_nonces WHERE chain_id = ? AND address = ?`,
		int64(chainID), addr.Hex()); err != nil {
		return fmt.Errorf("nonce store clear recycled: %s", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("nonce store commit reset: %s", err)
	}
	return nil
}

// RaiseConfirmedMax lifts the confirmed watermark and prunes recycled nonces
// the chain already consumed.
func (s *NonceStore) RaiseConfirmedMax(
	ctx context.Context, chainID engine.ChainID, addr common.Address, value int64,
) error {
	tx, err := s.sqliteDB.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("nonce store begin raise confirmed: %s", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE nonce_state SET
		     confirmed_max = MAX(confirmed_max, ?3),
		     last_allocated = MAX(last_allocated, ?3)
		 WHERE chain_id = ?1 AND address = ?2`,
		int64(chainID), addr.Hex(), value); err != nil {
		return fmt.Errorf("nonce store raise confirmed: %s", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM recycled_nonces
		 WHERE chain_id = ? AND address = ? AND nonce <= ?`,
		int64(chainID), addr.Hex(), value); err != nil {
		return fmt.Errorf("nonce store prune recycled: %s", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("nonce store commit raise confirmed: %s", err)
	}
	return nil
}

// TryLock takes a short-lived named lock. An expired lock can be retaken.
func (s *NonceStore) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	res, err := s.sqliteDB.DB.ExecContext(ctx,
		`INSERT INTO dedupe_locks (lock_key, expires_at) VALUES (?1, ?2)
		 ON CONFLICT (lock_key) DO UPDATE SET expires_at = ?2
		 WHERE dedupe_locks.expires_at < ?3`,
		key, now+int64(ttl.Seconds()), now)
	if err != nil {
		return false, fmt.Errorf("nonce store try lock: %s", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("nonce store try lock rows affected: %s", err)
	}
	return affected > 0, nil
}

// Unlock releases a named lock before its expiry.
func (s *NonceStore) Unlock(ctx context.Context, key string) error {
	if _, err := s.sqliteDB.DB.ExecContext(ctx,
		`DELETE FROM dedupe_locks WHERE lock_key = ?`, key); err != nil {
		return fmt.Errorf("nonce store unlock: %s", err)
	}
	return nil
}

// maxSamplesPerWallet bounds the stuck-detector history kept per wallet.
const maxSamplesPerWallet = 100

// InsertSample records a stuck-queue detector observation, pruning history
// beyond maxSamplesPerWallet so the table stays bounded.
func (s *NonceStore) InsertSample(
	ctx context.Context, chainID engine.ChainID, addr common.Address, onchainNonce, lastAllocated int64,
) error {
	if _, err := s.sqliteDB.DB.ExecContext(ctx,
		`INSERT INTO nonce_samples (chain_id, address, onchain_nonce, last_allocated, sampled_at)
		 VALUES (?, ?, ?, ?, ?)`,
		int64(chainID), addr.Hex(), onchainNonce, lastAllocated, time.Now().Unix()); err != nil {
		return fmt.Errorf("nonce store insert sample: %s", err)
	}

	if _, err := s.sqliteDB.DB.ExecContext(ctx,
		`DELETE FROM nonce_samples
		 WHERE chain_id = ?1 AND address = ?2 AND rowid NOT IN (
		     SELECT rowid FROM nonce_samples
		     WHERE chain_id = ?1 AND address = ?2
		     ORDER BY sampled_at DESC LIMIT ?3
		 )`,
		int64(chainID), addr.Hex(), maxSamplesPerWallet); err != nil {
		return fmt.Errorf("nonce store prune samples: %s", err)
	}
	return nil
}

// ListRecentSamples returns the latest n observations, newest first.
func (s *NonceStore) ListRecentSamples(
	ctx context.Context, chainID engine.ChainID, addr common.Address, n int,
) ([]nonce.Sample, error) {
	rows, err := s.sqliteDB.DB.QueryContext(ctx,
		`SELECT onchain_nonce, last_allocated, sampled_at FROM nonce_samples
		 WHERE chain_id = ? AND address = ?
		 ORDER BY sampled_at DESC LIMIT ?`,
		int64(chainID), addr.Hex(), n)
	if err != nil {
		return nil, fmt.Errorf("nonce store list samples: %s", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing sample rows")
		}
	}()

	samples := make([]nonce.Sample, 0, n)
	for rows.Next() {
		var sm nonce.Sample
		var ts int64
		if err := rows.Scan(&sm.OnchainNonce, &sm.LastAllocated, &ts); err != nil {
			return nil, fmt.Errorf("nonce store scan sample: %s", err)
		}
		sm.SampledAt = time.Unix(ts, 0)
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}
