package impl

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
	jobsimpl "github.com/thirdweb-dev/engine-sub001/pkg/jobs/impl"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
	txrecordimpl "github.com/thirdweb-dev/engine-sub001/pkg/txrecord/impl"
	"github.com/thirdweb-dev/engine-sub001/pkg/wallet"
	"github.com/thirdweb-dev/engine-sub001/tests"
)

const chainID = engine.ChainID(1337)

type chainMock struct {
	sentTxs []*types.Transaction
}

func (m *chainMock) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 0, nil
}

func (m *chainMock) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (m *chainMock) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *chainMock) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (m *chainMock) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100)}, nil
}

func (m *chainMock) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *chainMock) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(10), nil
}

func (m *chainMock) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (m *chainMock) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

var _ eth.ChainClient = (*chainMock)(nil)

type engineFixture struct {
	engine   *EngineService
	chain    *chainMock
	records  txrecord.Store
	addr     common.Address
	sqliteDB *database.SQLiteDB
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	sqliteDB, err := database.Open(tests.Sqlite3URL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteDB.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyring, err := wallet.NewKeyring([]string{hex.EncodeToString(crypto.FromECDSA(key))})
	require.NoError(t, err)

	chain := &chainMock{}
	records := txrecordimpl.NewTxRecordStore(sqliteDB)
	queue := jobsimpl.NewQueue(sqliteDB)

	eng := NewEngine(Config{
		Clients: map[engine.ChainID]eth.ChainClient{chainID: chain},
		Keyring: keyring,
		Records: records,
		Queue:   queue,
	})

	return &engineFixture{
		engine:   eng,
		chain:    chain,
		records:  records,
		addr:     keyring.Addresses()[0],
		sqliteDB: sqliteDB,
	}
}

func (f *engineFixture) submitRequest(queueID string) engine.SubmitRequest {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return engine.SubmitRequest{
		QueueID: queueID,
		ChainID: chainID,
		From:    f.addr,
		To:      &to,
		Value:   big.NewInt(1),
	}
}

func TestSubmitCreatesRecordAndSendJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	view, err := f.engine.Submit(ctx, f.submitRequest("tx-1"))
	require.NoError(t, err)
	require.Equal(t, "tx-1", view.QueueID)
	require.Equal(t, string(txrecord.StatusQueued), view.Status)

	var count int
	err = f.sqliteDB.DB.QueryRow(
		`SELECT count(*) FROM jobs WHERE queue = ? AND job_id = ?`,
		jobs.QueueSend, jobs.SendJobID("tx-1", 0)).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSubmitIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	first, err := f.engine.Submit(ctx, f.submitRequest("tx-1"))
	require.NoError(t, err)

	second, err := f.engine.Submit(ctx, f.submitRequest("tx-1"))
	require.NoError(t, err)
	require.Equal(t, first.QueueID, second.QueueID)
	require.Equal(t, first.Status, second.Status)

	var count int
	err = f.sqliteDB.DB.QueryRow(
		`SELECT count(*) FROM transactions WHERE queue_id = ?`, "tx-1").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSubmitRejectsUnknownChainAndWallet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	req := f.submitRequest("tx-1")
	req.ChainID = 999
	_, err := f.engine.Submit(ctx, req)
	require.Error(t, err)

	req = f.submitRequest("tx-2")
	req.From = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	_, err = f.engine.Submit(ctx, req)
	require.Error(t, err)
}

func TestCancelQueuedTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	_, err := f.engine.Submit(ctx, f.submitRequest("tx-1"))
	require.NoError(t, err)

	view, err := f.engine.Cancel(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, string(txrecord.StatusCancelled), view.Status)

	// The pending send job is gone.
	var count int
	err = f.sqliteDB.DB.QueryRow(
		`SELECT count(*) FROM jobs WHERE queue = ?`, jobs.QueueSend).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestCancelSentTransactionRacesNullReplacement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	_, err := f.engine.Submit(ctx, f.submitRequest("tx-1"))
	require.NoError(t, err)
	require.NoError(t, f.records.MarkSent(ctx, "tx-1", 5, 0, common.HexToHash("0x01"), 100))

	view, err := f.engine.Cancel(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, string(txrecord.StatusCancelled), view.Status)

	require.Len(t, f.chain.sentTxs, 1)
	replacement := f.chain.sentTxs[0]
	require.Equal(t, uint64(5), replacement.Nonce())
	require.Equal(t, f.addr, *replacement.To())
	require.Equal(t, int64(0), replacement.Value().Int64())
}

func TestCancelTerminalTransactionFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	_, err := f.engine.Submit(ctx, f.submitRequest("tx-1"))
	require.NoError(t, err)
	require.NoError(t, f.records.MarkErrored(ctx, "tx-1", "boom"))

	_, err = f.engine.Cancel(ctx, "tx-1")
	require.ErrorIs(t, err, engine.ErrNotCancellable)
}

func TestGetUnknownQueueID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	_, err := f.engine.Get(ctx, "missing")
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestGetReflectsLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	_, err := f.engine.Submit(ctx, f.submitRequest("tx-1"))
	require.NoError(t, err)
	require.NoError(t, f.records.MarkSent(ctx, "tx-1", 5, 0, common.HexToHash("0x01"), 100))
	require.NoError(t, f.records.MarkMined(ctx, "tx-1", txrecord.OnchainSuccess, 21000, big.NewInt(12)))

	view, err := f.engine.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, string(txrecord.StatusMined), view.Status)
	require.NotNil(t, view.Nonce)
	require.Equal(t, int64(5), *view.Nonce)
	require.Len(t, view.Hashes, 1)
	require.NotNil(t, view.OnchainStatus)
	require.Equal(t, string(txrecord.OnchainSuccess), *view.OnchainStatus)
	require.NotNil(t, view.MinedAt)
	require.WithinDuration(t, time.Now(), *view.MinedAt, time.Minute)
}
