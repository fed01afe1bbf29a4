package nonce

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
)

// Source indicates where an acquired nonce came from.
type Source string

const (
	// SourceRecycled means the nonce was taken from the recycled set.
	SourceRecycled Source = "recycled"
	// SourceIncremented means the nonce was freshly allocated.
	SourceIncremented Source = "incremented"
)

// ErrTooManyRecycled indicates the recycled set reached its cap; the wallet
// needs a full reset instead of more recycling.
var ErrTooManyRecycled = errors.New("too many recycled nonces")

// ErrRecycledEmpty indicates the recycled set has no nonce to hand out.
var ErrRecycledEmpty = errors.New("recycled set is empty")

// Allocation is a nonce handed out for a single transaction submission.
type Allocation struct {
	Nonce  int64
	Epoch  int64
	Source Source
}

// State is a snapshot of a wallet's nonce accounting.
//
// LastAllocated and ConfirmedMax hold the highest nonce handed out and the
// highest nonce the chain reports as used; both are -1 for a fresh wallet.
type State struct {
	LastAllocated int64
	ConfirmedMax  int64
	Epoch         int64
	RecycledCount int64
}

// InFlight is the number of nonces allocated but not yet confirmed mined.
func (s State) InFlight() int64 {
	n := s.LastAllocated - s.ConfirmedMax - s.RecycledCount
	if n < 0 {
		return 0
	}
	return n
}

// Sample is one observation of a wallet's onchain vs. allocated nonce, used
// by the stuck-queue detector.
type Sample struct {
	OnchainNonce  int64
	LastAllocated int64
	SampledAt     time.Time
}

// Allocator hands out unique, monotonically ordered nonces per (chain, wallet).
//
// All operations are atomic across concurrent callers: the backing store's
// increment/pop statements are the sole serialization point.
type Allocator interface {
	// Acquire returns the next nonce to use, preferring the smallest
	// recycled nonce over a fresh increment. A wallet never seen before is
	// seeded from the chain's transaction count.
	Acquire(ctx context.Context, chainID engine.ChainID, addr common.Address) (Allocation, error)

	// PopRecycled acquires strictly from the recycled set. It returns
	// ErrRecycledEmpty when there is nothing to pop and ErrTooManyRecycled
	// when the set is at or over the cap, signalling recycling pressure.
	PopRecycled(ctx context.Context, chainID engine.ChainID, addr common.Address) (Allocation, error)

	// Recycle returns an allocated nonce to the pool. A recycle stamped
	// with a stale epoch is silently dropped: it refers to a nonce space
	// that no longer exists. Returns ErrTooManyRecycled at the cap.
	Recycle(ctx context.Context, chainID engine.ChainID, addr common.Address, nonce, epoch int64) error

	// Reset forces the wallet's nonce space to newNonce (the highest used
	// nonce on chain, i.e. transaction count minus one), clears the
	// recycled set and bumps the epoch, invalidating every outstanding
	// allocation.
	Reset(ctx context.Context, chainID engine.ChainID, addr common.Address, newNonce int64) error

	// SetConfirmedMax raises the confirmed nonce watermark. Lower values
	// are ignored.
	SetConfirmedMax(ctx context.Context, chainID engine.ChainID, addr common.Address, value int64) error

	// State returns the wallet's current nonce accounting.
	State(ctx context.Context, chainID engine.ChainID, addr common.Address) (State, error)
}

// Store provides the durable counter, sorted-set and lock primitives backing
// the allocator. Implementations must make each method atomic; callers never
// compose reads and writes.
type Store interface {
	// EnsureState creates the wallet's nonce row if absent.
	EnsureState(ctx context.Context, chainID engine.ChainID, addr common.Address, lastAllocated int64) error

	// IncrementLastAllocated atomically increments and returns the new
	// last-allocated nonce along with the current epoch. Returns
	// ErrStateNotFound when the wallet was never seeded.
	IncrementLastAllocated(ctx context.Context, chainID engine.ChainID, addr common.Address) (nonce, epoch int64, err error)

	// PopMinRecycled atomically removes and returns the smallest recycled
	// nonce. Returns ErrRecycledEmpty when the set is empty.
	PopMinRecycled(ctx context.Context, chainID engine.ChainID, addr common.Address) (nonce, epoch int64, err error)

	// AddRecycled inserts a nonce into the recycled set if the epoch
	// matches, the set is under cap, and the nonce is within
	// [0, lastAllocated]. Reports whether the row was inserted.
	AddRecycled(ctx context.Context, chainID engine.ChainID, addr common.Address, nonce, epoch, cap int64) (bool, error)

	// ListRecycled returns the recycled nonces in ascending order.
	ListRecycled(ctx context.Context, chainID engine.ChainID, addr common.Address) ([]int64, error)

	// GetState returns the wallet's nonce accounting. Returns
	// ErrStateNotFound for unknown wallets.
	GetState(ctx context.Context, chainID engine.ChainID, addr common.Address) (State, error)

	// ResetState sets last allocated and confirmed max to newNonce, clears
	// the recycled set and bumps the epoch, in one transaction.
	ResetState(ctx context.Context, chainID engine.ChainID, addr common.Address, newNonce int64) error

	// RaiseConfirmedMax lifts the confirmed watermark (and the allocation
	// counter, if the chain ran ahead of it) and drops recycled nonces
	// that the chain already consumed.
	RaiseConfirmedMax(ctx context.Context, chainID engine.ChainID, addr common.Address, value int64) error

	// TryLock takes a short-lived named lock, reporting whether it was
	// acquired. Used for job dedupe windows.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases a named lock before its expiry.
	Unlock(ctx context.Context, key string) error

	// InsertSample records a stuck-queue detector observation.
	InsertSample(ctx context.Context, chainID engine.ChainID, addr common.Address, onchainNonce, lastAllocated int64) error

	// ListRecentSamples returns the latest n observations, newest first.
	ListRecentSamples(ctx context.Context, chainID engine.ChainID, addr common.Address, n int) ([]Sample, error)
}

// ErrStateNotFound indicates that a wallet has no nonce state yet.
var ErrStateNotFound = errors.New("nonce state not found")

// ChainNonceReader is the chain capability the allocator needs to seed a
// wallet's nonce state the first time it is seen. One reader serves one
// chain; the allocator routes by chain id.
type ChainNonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}
