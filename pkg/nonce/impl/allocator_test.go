package impl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
	"github.com/thirdweb-dev/engine-sub001/tests"
)

const chainID = engine.ChainID(1337)

var testAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")

type chainReaderMock struct {
	pendingNonce uint64
}

func (m *chainReaderMock) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return m.pendingNonce, nil
}

func newAllocator(t *testing.T, pendingNonce uint64, maxRecycled int64) (*Allocator, noncepkg.Store) {
	t.Helper()
	sqliteDB, err := database.Open(tests.Sqlite3URL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteDB.Close() })

	store := NewNonceStore(sqliteDB)
	readers := map[engine.ChainID]noncepkg.ChainNonceReader{
		chainID: &chainReaderMock{pendingNonce: pendingNonce},
	}
	allocator, err := NewAllocator(store, readers, maxRecycled)
	require.NoError(t, err)
	return allocator, store
}

func TestAcquireSeedsFreshWalletFromChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, _ := newAllocator(t, 11, 0)

	alloc, err := allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(11), alloc.Nonce)
	require.Equal(t, noncepkg.SourceIncremented, alloc.Source)
	require.Equal(t, int64(0), alloc.Epoch)

	// The next acquire increments monotonically.
	alloc, err = allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(12), alloc.Nonce)
}

func TestAcquirePrefersSmallestRecycled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, _ := newAllocator(t, 0, 0)

	for i := 0; i < 8; i++ {
		_, err := allocator.Acquire(ctx, chainID, testAddr)
		require.NoError(t, err)
	}
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 7, 0))
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 3, 0))

	alloc, err := allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(3), alloc.Nonce)
	require.Equal(t, noncepkg.SourceRecycled, alloc.Source)

	alloc, err = allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(7), alloc.Nonce)
	require.Equal(t, noncepkg.SourceRecycled, alloc.Source)

	// The pool is drained; back to incrementing.
	alloc, err = allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(8), alloc.Nonce)
	require.Equal(t, noncepkg.SourceIncremented, alloc.Source)
}

func TestAcquireIsUniqueAcrossConcurrentCallers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, _ := newAllocator(t, 0, 0)

	const workers = 20
	var (
		mu     sync.Mutex
		nonces = map[int64]struct{}{}
		wg     sync.WaitGroup
	)
	// Seed first so concurrent seeding isn't what's under test.
	_, err := allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			alloc, err := allocator.Acquire(ctx, chainID, testAddr)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			_, dup := nonces[alloc.Nonce]
			require.False(t, dup, "nonce %d handed out twice", alloc.Nonce)
			nonces[alloc.Nonce] = struct{}{}
		}()
	}
	wg.Wait()
	require.Len(t, nonces, workers)
}

func TestRecycleStaleEpochIsANoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, store := newAllocator(t, 0, 0)

	for i := 0; i < 5; i++ {
		_, err := allocator.Acquire(ctx, chainID, testAddr)
		require.NoError(t, err)
	}
	require.NoError(t, allocator.Reset(ctx, chainID, testAddr, 4))

	// Epoch is now 1; a recycle stamped with the old epoch must not land.
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 2, 0))

	recycled, err := store.ListRecycled(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Empty(t, recycled)
}

func TestRecycleAtCapFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, _ := newAllocator(t, 0, 3)

	for i := 0; i < 5; i++ {
		_, err := allocator.Acquire(ctx, chainID, testAddr)
		require.NoError(t, err)
	}
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 0, 0))
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 1, 0))
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 2, 0))

	err := allocator.Recycle(ctx, chainID, testAddr, 3, 0)
	require.ErrorIs(t, err, noncepkg.ErrTooManyRecycled)
}

func TestRecycleDuplicateIsANoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, store := newAllocator(t, 0, 0)

	for i := 0; i < 3; i++ {
		_, err := allocator.Acquire(ctx, chainID, testAddr)
		require.NoError(t, err)
	}
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 1, 0))
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 1, 0))

	recycled, err := store.ListRecycled(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, recycled)
}

func TestPopRecycledSignalsPressureAndEmptiness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, _ := newAllocator(t, 0, 2)

	_, err := allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)

	_, err = allocator.PopRecycled(ctx, chainID, testAddr)
	require.ErrorIs(t, err, noncepkg.ErrRecycledEmpty)

	_, err = allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 0, 0))
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 1, 0))

	_, err = allocator.PopRecycled(ctx, chainID, testAddr)
	require.ErrorIs(t, err, noncepkg.ErrTooManyRecycled)
}

func TestAcquireRefusesOverCapRecycledPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, _ := newAllocator(t, 0, 2)

	for i := 0; i < 3; i++ {
		_, err := allocator.Acquire(ctx, chainID, testAddr)
		require.NoError(t, err)
	}
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 0, 0))
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 1, 0))

	// At the cap the wallet needs a reset; acquiring must not quietly
	// drain the pool.
	_, err := allocator.Acquire(ctx, chainID, testAddr)
	require.ErrorIs(t, err, noncepkg.ErrTooManyRecycled)
}

func TestResetBumpsEpochAndClearsRecycled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, store := newAllocator(t, 0, 0)

	for i := 0; i < 5; i++ {
		_, err := allocator.Acquire(ctx, chainID, testAddr)
		require.NoError(t, err)
	}
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 2, 0))

	require.NoError(t, allocator.Reset(ctx, chainID, testAddr, 9))

	st, err := allocator.State(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(9), st.LastAllocated)
	require.Equal(t, int64(9), st.ConfirmedMax)
	require.Equal(t, int64(1), st.Epoch)
	require.Equal(t, int64(0), st.RecycledCount)

	recycled, err := store.ListRecycled(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Empty(t, recycled)

	// Allocations resume after the reset point, stamped with the new epoch.
	alloc, err := allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(10), alloc.Nonce)
	require.Equal(t, int64(1), alloc.Epoch)
}

func TestSetConfirmedMaxIgnoresLowerValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, _ := newAllocator(t, 5, 0)

	_, err := allocator.Acquire(ctx, chainID, testAddr)
	require.NoError(t, err)

	require.NoError(t, allocator.SetConfirmedMax(ctx, chainID, testAddr, 8))
	st, err := allocator.State(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(8), st.ConfirmedMax)

	require.NoError(t, allocator.SetConfirmedMax(ctx, chainID, testAddr, 2))
	st, err = allocator.State(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, int64(8), st.ConfirmedMax)
}

func TestSetConfirmedMaxPrunesConsumedRecycled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	allocator, store := newAllocator(t, 0, 0)

	for i := 0; i < 6; i++ {
		_, err := allocator.Acquire(ctx, chainID, testAddr)
		require.NoError(t, err)
	}
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 1, 0))
	require.NoError(t, allocator.Recycle(ctx, chainID, testAddr, 4, 0))

	require.NoError(t, allocator.SetConfirmedMax(ctx, chainID, testAddr, 2))

	recycled, err := store.ListRecycled(ctx, chainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, []int64{4}, recycled)
}

func TestTryLockWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, store := newAllocator(t, 0, 0)

	acquired, err := store.TryLock(ctx, "heal_0xabc_1337", 2*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = store.TryLock(ctx, "heal_0xabc_1337", 2*time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, store.Unlock(ctx, "heal_0xabc_1337"))
	acquired, err = store.TryLock(ctx, "heal_0xabc_1337", 2*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestSamplesRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, store := newAllocator(t, 0, 0)

	require.NoError(t, store.InsertSample(ctx, chainID, testAddr, 4, 10))
	require.NoError(t, store.InsertSample(ctx, chainID, testAddr, 4, 12))

	samples, err := store.ListRecentSamples(ctx, chainID, testAddr, 5)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, int64(4), samples[0].OnchainNonce)
}

func TestInsertSamplePrunesOldHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, store := newAllocator(t, 0, 0)

	for i := 0; i < maxSamplesPerWallet+20; i++ {
		require.NoError(t, store.InsertSample(ctx, chainID, testAddr, int64(i), int64(i)))
	}

	samples, err := store.ListRecentSamples(ctx, chainID, testAddr, maxSamplesPerWallet+20)
	require.NoError(t, err)
	require.Len(t, samples, maxSamplesPerWallet)
}

func TestInFlightAccounting(t *testing.T) {
	t.Parallel()

	st := noncepkg.State{LastAllocated: 10, ConfirmedMax: 4, RecycledCount: 2}
	require.Equal(t, int64(4), st.InFlight())

	st = noncepkg.State{LastAllocated: 3, ConfirmedMax: 3}
	require.Equal(t, int64(0), st.InFlight())
}
