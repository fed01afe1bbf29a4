package impl

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TxRecordStore is the SQLite-backed transaction record store.
type TxRecordStore struct {
	log      zerolog.Logger
	sqliteDB *database.SQLiteDB
}

// NewTxRecordStore creates a new transaction record store.
func NewTxRecordStore(sqliteDB *database.SQLiteDB) txrecord.Store {
	log := sqliteDB.Log.With().
		Str("component", "txrecordstore").
		Logger()

	return &TxRecordStore{
		log:      log,
		sqliteDB: sqliteDB,
	}
}

// Create inserts a queued record.
func (s *TxRecordStore) Create(ctx context.Context, r txrecord.Record) error {
	hashes, err := json.Marshal(hashStrings(r.SentHashes))
	if err != nil {
		return fmt.Errorf("marshaling sent hashes: %s", err)
	}

	var to *string
	if r.To != nil {
		v := r.To.Hex()
		to = &v
	}
	value := "0"
	if r.Value != nil {
		value = r.Value.String()
	}

	queuedAt := r.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}

	_, err = s.sqliteDB.DB.ExecContext(ctx,
		`INSERT INTO transactions (
		     queue_id, chain_id, from_address, to_address, tx_data, tx_value,
		     status, sent_hashes, gas_limit, gas_price, max_fee_per_gas,
		     max_priority_fee_per_gas, timeout_seconds, queued_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.QueueID, int64(r.ChainID), r.From.Hex(), to, r.Data, value,
		string(txrecord.StatusQueued), string(hashes), int64(r.GasLimit),
		bigString(r.GasPrice), bigString(r.MaxFeePerGas),
		bigString(r.MaxPriorityFeePerGas), nullableInt(r.TimeoutSeconds),
		queuedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return txrecord.ErrAlreadyExists
		}
		return fmt.Errorf("tx record store create: %s", err)
	}
	return nil
}

// Get returns the record for a queue id.
func (s *TxRecordStore) Get(ctx context.Context, queueID string) (txrecord.Record, error) {
	row := s.sqliteDB.DB.QueryRowContext(ctx,
		`SELECT queue_id, chain_id, from_address, to_address, tx_data, tx_value,
		        status, nonce, nonce_epoch, resend_count, sent_hashes,
		        gas_limit, gas_price, max_fee_per_gas, max_priority_fee_per_gas,
		        onchain_status, gas_used, effective_gas_price, timeout_seconds,
		        error_message, queued_at, sent_at, last_sent_at, last_sent_block,
		        mined_at, cancelled_at
		 FROM transactions WHERE queue_id = ?`, queueID)
	return s.scanRecord(row)
}

// MarkSent moves queued→sent.
func (s *TxRecordStore) MarkSent(
	ctx context.Context, queueID string, nonce, nonceEpoch int64, hash common.Hash, block int64,
) error {
	now := time.Now().Unix()
	res, err := s.sqliteDB.DB.ExecContext(ctx,
		`UPDATE transactions SET
		     status = ?, nonce = ?, nonce_epoch = ?,
		     sent_hashes = json_insert(sent_hashes, '$[#]', ?),
		     sent_at = ?, last_sent_at = ?, last_sent_block = ?
		 WHERE queue_id = ? AND status = ?`,
		string(txrecord.StatusSent), nonce, nonceEpoch, hash.Hex(),
		now, now, block, queueID, string(txrecord.StatusQueued))
	if err != nil {
		return fmt.Errorf("tx record store mark sent: %s", err)
	}
	return s.checkTransition(ctx, res, queueID)
}

// AppendHash records a resend under the same nonce.
func (s *TxRecordStore) AppendHash(
	ctx context.Context, queueID string, hash common.Hash, block int64,
) error {
	now := time.Now().Unix()
	res, err := s.sqliteDB.DB.ExecContext(ctx,
		`UPDATE transactions SET
		     sent_hashes = json_insert(sent_hashes, '$[#]', ?),
		     resend_count = resend_count + 1,
		     last_sent_at = ?, last_sent_block = ?
		 WHERE queue_id = ? AND status = ?`,
		hash.Hex(), now, block, queueID, string(txrecord.StatusSent))
	if err != nil {
		return fmt.Errorf("tx record store append hash: %s", err)
	}
	return s.checkTransition(ctx, res, queueID)
}

// MarkMined moves sent→mined with the receipt outcome.
func (s *TxRecordStore) MarkMined(
	ctx context.Context, queueID string, onchain txrecord.OnchainStatus,
	gasUsed uint64, effectiveGasPrice *big.Int,
) error {
	res, err := s.sqliteDB.DB.ExecContext(ctx,
		`UPDATE transactions SET
		     status = ?, onchain_status = ?, gas_used = ?,
		     effective_gas_price = ?, mined_at = ?
		 WHERE queue_id = ? AND status = ?`,
		string(txrecord.StatusMined), string(onchain), int64(gasUsed),
		bigString(effectiveGasPrice), time.Now().Unix(),
		queueID, string(txrecord.StatusSent))
	if err != nil {
		return fmt.Errorf("tx record store mark mined: %s", err)
	}
	return s.checkTransition(ctx, res, queueID)
}

// MarkErrored moves queued→errored or sent→errored.
func (s *TxRecordStore) MarkErrored(ctx context.Context, queueID string, errorMessage string) error {
	res, err := s.sqliteDB.DB.ExecContext(ctx,
		`UPDATE transactions SET status = ?, error_message = ?
		 WHERE queue_id = ? AND status IN (?, ?)`,
		string(txrecord.StatusErrored), errorMessage, queueID,
		string(txrecord.StatusQueued), string(txrecord.StatusSent))
	if err != nil {
		return fmt.Errorf("tx record store mark errored: %s", err)
	}
	return s.checkTransition(ctx, res, queueID)
}

// MarkCancelled moves queued→cancelled or sent→cancelled.
func (s *TxRecordStore) MarkCancelled(ctx context.Context, queueID string) error {
	res, err := s.sqliteDB.DB.ExecContext(ctx,
		`UPDATE transactions SET status = ?, cancelled_at = ?
		 WHERE queue_id = ? AND status IN (?, ?)`,
		string(txrecord.StatusCancelled), time.Now().Unix(), queueID,
		string(txrecord.StatusQueued), string(txrecord.StatusSent))
	if err != nil {
		return fmt.Errorf("tx record store mark cancelled: %s", err)
	}
	return s.checkTransition(ctx, res, queueID)
}

// ListSentNonces returns the nonces of in-flight transactions for a wallet.
func (s *TxRecordStore) ListSentNonces(
	ctx context.Context, chainID engine.ChainID, addr common.Address,
) ([]int64, error) {
	rows, err := s.sqliteDB.DB.QueryContext(ctx,
		`SELECT nonce FROM transactions
		 WHERE chain_id = ? AND from_address = ? AND status = ? AND nonce IS NOT NULL
		 ORDER BY nonce ASC`,
		int64(chainID), addr.Hex(), string(txrecord.StatusSent))
	if err != nil {
		return nil, fmt.Errorf("tx record store list sent nonces: %s", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing sent nonce rows")
		}
	}()

	nonces := make([]int64, 0)
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("tx record store scan nonce: %s", err)
		}
		nonces = append(nonces, n)
	}
	return nonces, rows.Err()
}

// checkTransition translates a zero-row update into not-found or
// invalid-transition, keeping terminal states sticky.
func (s *TxRecordStore) checkTransition(ctx context.Context, res sql.Result, queueID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tx record store rows affected: %s", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, queueID); err != nil {
		return err
	}
	return txrecord.ErrInvalidTransition
}

func (s *TxRecordStore) scanRecord(row *sql.Row) (txrecord.Record, error) {
	var (
		r                                      txrecord.Record
		chainID                                int64
		from                                   string
		to, value                              sql.NullString
		status                                 string
		nonce, nonceEpoch                      sql.NullInt64
		hashes                                 string
		gasLimit                               int64
		gasPrice, maxFee, maxPriority          sql.NullString
		onchain                                sql.NullString
		gasUsed                                sql.NullInt64
		effectiveGasPrice                      sql.NullString
		timeoutSeconds                         sql.NullInt64
		errorMessage                           sql.NullString
		queuedAt                               int64
		sentAt, lastSentAt, minedAt, cancelled sql.NullInt64
		lastSentBlock                          sql.NullInt64
	)
	err := row.Scan(
		&r.QueueID, &chainID, &from, &to, &r.Data, &value,
		&status, &nonce, &nonceEpoch, &r.ResendCount, &hashes,
		&gasLimit, &gasPrice, &maxFee, &maxPriority,
		&onchain, &gasUsed, &effectiveGasPrice, &timeoutSeconds,
		&errorMessage, &queuedAt, &sentAt, &lastSentAt, &lastSentBlock,
		&minedAt, &cancelled)
	if err == sql.ErrNoRows {
		return txrecord.Record{}, txrecord.ErrNotFound
	}
	if err != nil {
		return txrecord.Record{}, fmt.Errorf("tx record store scan: %s", err)
	}

	r.ChainID = engine.ChainID(chainID)
	r.From = common.HexToAddress(from)
	if to.Valid {
		addr := common.HexToAddress(to.String)
		r.To = &addr
	}
	if value.Valid {
		v, ok := new(big.Int).SetString(value.String, 10)
		if !ok {
			return txrecord.Record{}, fmt.Errorf("parsing tx value %q", value.String)
		}
		r.Value = v
	}
	r.Status = txrecord.Status(status)
	if nonce.Valid {
		r.Nonce = &nonce.Int64
	}
	if nonceEpoch.Valid {
		r.NonceEpoch = &nonceEpoch.Int64
	}

	var hashList []string
	if err := json.Unmarshal([]byte(hashes), &hashList); err != nil {
		return txrecord.Record{}, fmt.Errorf("unmarshaling sent hashes: %s", err)
	}
	r.SentHashes = make([]common.Hash, 0, len(hashList))
	for _, h := range hashList {
		r.SentHashes = append(r.SentHashes, common.HexToHash(h))
	}

	r.GasLimit = uint64(gasLimit)
	r.GasPrice = parseBig(gasPrice)
	r.MaxFeePerGas = parseBig(maxFee)
	r.MaxPriorityFeePerGas = parseBig(maxPriority)
	if onchain.Valid {
		st := txrecord.OnchainStatus(onchain.String)
		r.OnchainStatus = &st
	}
	if gasUsed.Valid {
		v := uint64(gasUsed.Int64)
		r.GasUsed = &v
	}
	r.EffectiveGasPrice = parseBig(effectiveGasPrice)
	if timeoutSeconds.Valid {
		r.TimeoutSeconds = timeoutSeconds.Int64
	}
	if errorMessage.Valid {
		r.ErrorMessage = errorMessage.String
	}
	r.QueuedAt = time.Unix(queuedAt, 0)
	r.SentAt = nullableTime(sentAt)
	r.LastSentAt = nullableTime(lastSentAt)
	if lastSentBlock.Valid {
		r.LastSentBlock = &lastSentBlock.Int64
	}
	r.MinedAt = nullableTime(minedAt)
	r.CancelledAt = nullableTime(cancelled)

	return r, nil
}

func hashStrings(hashes []common.Hash) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, h.Hex())
	}
	return out
}

func bigString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseBig(v sql.NullString) *big.Int {
	if !v.Valid {
		return nil
	}
	n, ok := new(big.Int).SetString(v.String, 10)
	if !ok {
		return nil
	}
	return n
}

func nullableInt(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
