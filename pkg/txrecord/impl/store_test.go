package impl

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
	"github.com/thirdweb-dev/engine-sub001/tests"
)

const chainID = engine.ChainID(1337)

var (
	fromAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	toAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func newStore(t *testing.T) txrecord.Store {
	t.Helper()
	sqliteDB, err := database.Open(tests.Sqlite3URL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteDB.Close() })
	return NewTxRecordStore(sqliteDB)
}

func queuedRecord(queueID string) txrecord.Record {
	return txrecord.Record{
		QueueID:        queueID,
		ChainID:        chainID,
		From:           fromAddr,
		To:             &toAddr,
		Data:           []byte{0xca, 0xfe},
		Value:          big.NewInt(42),
		Status:         txrecord.StatusQueued,
		GasLimit:       21000,
		GasPrice:       big.NewInt(10),
		TimeoutSeconds: 600,
		QueuedAt:       time.Now(),
	}
}

func TestCreateAndGetRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, queuedRecord("tx-1")))

	rec, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, "tx-1", rec.QueueID)
	require.Equal(t, chainID, rec.ChainID)
	require.Equal(t, fromAddr, rec.From)
	require.Equal(t, toAddr, *rec.To)
	require.Equal(t, []byte{0xca, 0xfe}, rec.Data)
	require.Equal(t, int64(42), rec.Value.Int64())
	require.Equal(t, txrecord.StatusQueued, rec.Status)
	require.Nil(t, rec.Nonce)
	require.Empty(t, rec.SentHashes)
	require.Equal(t, int64(10), rec.GasPrice.Int64())
	require.Equal(t, int64(600), rec.TimeoutSeconds)
}

func TestCreateDuplicateQueueID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, queuedRecord("tx-1")))
	err := store.Create(ctx, queuedRecord("tx-1"))
	require.ErrorIs(t, err, txrecord.ErrAlreadyExists)
}

func TestGetUnknownRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, txrecord.ErrNotFound)
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, queuedRecord("tx-1")))
	hash := common.HexToHash("0x01")
	require.NoError(t, store.MarkSent(ctx, "tx-1", 5, 2, hash, 100))

	rec, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, txrecord.StatusSent, rec.Status)
	require.Equal(t, int64(5), *rec.Nonce)
	require.Equal(t, int64(2), *rec.NonceEpoch)
	require.Equal(t, []common.Hash{hash}, rec.SentHashes)
	require.NotNil(t, rec.SentAt)
	require.NotNil(t, rec.LastSentAt)
	require.Equal(t, int64(100), *rec.LastSentBlock)

	require.NoError(t, store.MarkMined(ctx, "tx-1", txrecord.OnchainSuccess, 21000, big.NewInt(12)))
	rec, err = store.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, txrecord.StatusMined, rec.Status)
	require.Equal(t, txrecord.OnchainSuccess, *rec.OnchainStatus)
	require.Equal(t, uint64(21000), *rec.GasUsed)
	require.Equal(t, int64(12), rec.EffectiveGasPrice.Int64())
	require.NotNil(t, rec.MinedAt)
}

func TestAppendHashBumpsResendCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, queuedRecord("tx-1")))
	first := common.HexToHash("0x01")
	second := common.HexToHash("0x02")
	require.NoError(t, store.MarkSent(ctx, "tx-1", 5, 0, first, 100))
	require.NoError(t, store.AppendHash(ctx, "tx-1", second, 110))

	rec, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, []common.Hash{first, second}, rec.SentHashes)
	require.Equal(t, second, mustLastHash(t, rec))
	require.Equal(t, int64(1), rec.ResendCount)
	require.Equal(t, int64(110), *rec.LastSentBlock)
	require.Equal(t, int64(5), *rec.Nonce)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	// mined is final.
	require.NoError(t, store.Create(ctx, queuedRecord("tx-1")))
	require.NoError(t, store.MarkSent(ctx, "tx-1", 5, 0, common.HexToHash("0x01"), 100))
	require.NoError(t, store.MarkMined(ctx, "tx-1", txrecord.OnchainSuccess, 21000, big.NewInt(12)))
	require.ErrorIs(t,
		store.MarkErrored(ctx, "tx-1", "too late"), txrecord.ErrInvalidTransition)
	require.ErrorIs(t,
		store.MarkCancelled(ctx, "tx-1"), txrecord.ErrInvalidTransition)
	require.ErrorIs(t,
		store.MarkSent(ctx, "tx-1", 6, 0, common.HexToHash("0x02"), 101), txrecord.ErrInvalidTransition)

	// errored is final.
	require.NoError(t, store.Create(ctx, queuedRecord("tx-2")))
	require.NoError(t, store.MarkErrored(ctx, "tx-2", "boom"))
	require.ErrorIs(t,
		store.MarkCancelled(ctx, "tx-2"), txrecord.ErrInvalidTransition)

	rec, err := store.Get(ctx, "tx-2")
	require.NoError(t, err)
	require.Equal(t, txrecord.StatusErrored, rec.Status)
	require.Equal(t, "boom", rec.ErrorMessage)
}

func TestMarkSentRequiresQueuedStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, queuedRecord("tx-1")))
	require.NoError(t, store.MarkSent(ctx, "tx-1", 5, 0, common.HexToHash("0x01"), 100))

	// A second sent transition under a different nonce must not land.
	err := store.MarkSent(ctx, "tx-1", 6, 0, common.HexToHash("0x02"), 101)
	require.ErrorIs(t, err, txrecord.ErrInvalidTransition)

	rec, getErr := store.Get(ctx, "tx-1")
	require.NoError(t, getErr)
	require.Equal(t, int64(5), *rec.Nonce)
}

func TestMarkCancelledFromQueuedAndSent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, queuedRecord("tx-1")))
	require.NoError(t, store.MarkCancelled(ctx, "tx-1"))
	rec, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, txrecord.StatusCancelled, rec.Status)
	require.NotNil(t, rec.CancelledAt)

	require.NoError(t, store.Create(ctx, queuedRecord("tx-2")))
	require.NoError(t, store.MarkSent(ctx, "tx-2", 5, 0, common.HexToHash("0x01"), 100))
	require.NoError(t, store.MarkCancelled(ctx, "tx-2"))
	rec, err = store.Get(ctx, "tx-2")
	require.NoError(t, err)
	require.Equal(t, txrecord.StatusCancelled, rec.Status)
}

func TestListSentNonces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, queuedRecord("tx-1")))
	require.NoError(t, store.Create(ctx, queuedRecord("tx-2")))
	require.NoError(t, store.Create(ctx, queuedRecord("tx-3")))
	require.NoError(t, store.MarkSent(ctx, "tx-1", 7, 0, common.HexToHash("0x01"), 100))
	require.NoError(t, store.MarkSent(ctx, "tx-2", 3, 0, common.HexToHash("0x02"), 100))
	// tx-3 stays queued and must not show up.

	nonces, err := store.ListSentNonces(ctx, chainID, fromAddr)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 7}, nonces)
}

func mustLastHash(t *testing.T, rec txrecord.Record) common.Hash {
	t.Helper()
	h, ok := rec.LastHash()
	require.True(t, ok)
	return h
}
