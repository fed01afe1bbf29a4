package impl

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
)

// DefaultMaxRecycled is the default bound on a wallet's recycled set.
const DefaultMaxRecycled = 100

// Allocator hands out nonces backed by the durable nonce store. It holds no
// nonce state in memory: every acquire and recycle goes through an atomic
// store primitive, so any number of workers can share a wallet.
type Allocator struct {
	log          zerolog.Logger
	store        noncepkg.Store
	chainReaders map[engine.ChainID]noncepkg.ChainNonceReader
	maxRecycled  int64

	metrics *allocatorMetrics
}

// NewAllocator creates a new allocator. maxRecycled bounds the recycled set;
// zero means DefaultMaxRecycled.
func NewAllocator(
	store noncepkg.Store,
	chainReaders map[engine.ChainID]noncepkg.ChainNonceReader,
	maxRecycled int64,
) (*Allocator, error) {
	if maxRecycled == 0 {
		maxRecycled = DefaultMaxRecycled
	}
	log := logger.With().
		Str("component", "nonceallocator").
		Logger()

	a := &Allocator{
		log:          log,
		store:        store,
		chainReaders: chainReaders,
		maxRecycled:  maxRecycled,
	}
	if err := a.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return a, nil
}

// MaxRecycled returns the recycled set cap.
func (a *Allocator) MaxRecycled() int64 {
	return a.maxRecycled
}

// Acquire returns the next nonce for the wallet, recycled first. A recycled
// pool at the cap signals ErrTooManyRecycled instead of draining further;
// the wallet needs a reset, not more allocations.
func (a *Allocator) Acquire(
	ctx context.Context, chainID engine.ChainID, addr common.Address,
) (noncepkg.Allocation, error) {
	alloc, err := a.PopRecycled(ctx, chainID, addr)
	if err == nil {
		return alloc, nil
	}
	if !errors.Is(err, noncepkg.ErrRecycledEmpty) {
		return noncepkg.Allocation{}, err
	}

	n, epoch, err := a.store.IncrementLastAllocated(ctx, chainID, addr)
	if errors.Is(err, noncepkg.ErrStateNotFound) {
		if err := a.seed(ctx, chainID, addr); err != nil {
			return noncepkg.Allocation{}, err
		}
		n, epoch, err = a.store.IncrementLastAllocated(ctx, chainID, addr)
	}
	if err != nil {
		return noncepkg.Allocation{}, fmt.Errorf("incrementing last allocated: %s", err)
	}

	a.metrics.acquired(ctx, chainID, noncepkg.SourceIncremented)
	return noncepkg.Allocation{Nonce: n, Epoch: epoch, Source: noncepkg.SourceIncremented}, nil
}

// PopRecycled acquires strictly from the recycled pool, signalling pressure.
func (a *Allocator) PopRecycled(
	ctx context.Context, chainID engine.ChainID, addr common.Address,
) (noncepkg.Allocation, error) {
	st, err := a.store.GetState(ctx, chainID, addr)
	if err != nil && !errors.Is(err, noncepkg.ErrStateNotFound) {
		return noncepkg.Allocation{}, fmt.Errorf("getting nonce state: %s", err)
	}
	if st.RecycledCount >= a.maxRecycled {
		return noncepkg.Allocation{}, noncepkg.ErrTooManyRecycled
	}

	n, epoch, err := a.store.PopMinRecycled(ctx, chainID, addr)
	if errors.Is(err, noncepkg.ErrRecycledEmpty) {
		return noncepkg.Allocation{}, noncepkg.ErrRecycledEmpty
	}
	if err != nil {
		return noncepkg.Allocation{}, fmt.Errorf("popping recycled nonce: %s", err)
	}

	a.metrics.acquired(ctx, chainID, noncepkg.SourceRecycled)
	return noncepkg.Allocation{Nonce: n, Epoch: epoch, Source: noncepkg.SourceRecycled}, nil
}

// Recycle returns a nonce to the pool. Stale-epoch recycles are dropped.
func (a *Allocator) Recycle(
	ctx context.Context, chainID engine.ChainID, addr common.Address, nonce, epoch int64,
) error {
	added, err := a.store.AddRecycled(ctx, chainID, addr, nonce, epoch, a.maxRecycled)
	if err != nil {
		return fmt.Errorf("adding recycled nonce: %s", err)
	}
	if added {
		a.metrics.recycled(ctx, chainID)
		return nil
	}

	st, err := a.store.GetState(ctx, chainID, addr)
	if err != nil {
		return fmt.Errorf("getting nonce state: %s", err)
	}
	if st.Epoch != epoch {
		// The nonce space was reset after this allocation; the recycle
		// refers to a world that no longer exists.
		a.log.Debug().
			Int64("chainID", int64(chainID)).
			Str("address", addr.Hex()).
			Int64("nonce", nonce).
			Int64("staleEpoch", epoch).
			Int64("currentEpoch", st.Epoch).
			Msg("dropping stale-epoch recycle")
		return nil
	}
	if st.RecycledCount >= a.maxRecycled {
		return noncepkg.ErrTooManyRecycled
	}
	// Out of range or already recycled; either way there is nothing to do.
	return nil
}

// Reset forces the wallet's nonce space to newNonce and bumps the epoch.
func (a *Allocator) Reset(
	ctx context.Context, chainID engine.ChainID, addr common.Address, newNonce int64,
) error {
	if err := a.store.ResetState(ctx, chainID, addr, newNonce); err != nil {
		return fmt.Errorf("resetting nonce state: %s", err)
	}
	a.metrics.reset(ctx, chainID)
	a.log.Info().
		Int64("chainID", int64(chainID)).
		Str("address", addr.Hex()).
		Int64("newNonce", newNonce).
		Msg("nonce state reset")
	return nil
}

// SetConfirmedMax raises the confirmed nonce watermark.
func (a *Allocator) SetConfirmedMax(
	ctx context.Context, chainID engine.ChainID, addr common.Address, value int64,
) error {
	if err := a.store.RaiseConfirmedMax(ctx, chainID, addr, value); err != nil {
		return fmt.Errorf("raising confirmed max: %s", err)
	}
	return nil
}

// State returns the wallet's current nonce accounting, seeding it from the
// chain when the wallet was never seen.
func (a *Allocator) State(
	ctx context.Context, chainID engine.ChainID, addr common.Address,
) (noncepkg.State, error) {
	st, err := a.store.GetState(ctx, chainID, addr)
	if errors.Is(err, noncepkg.ErrStateNotFound) {
		if err := a.seed(ctx, chainID, addr); err != nil {
			return noncepkg.State{}, err
		}
		st, err = a.store.GetState(ctx, chainID, addr)
	}
	if err != nil {
		return noncepkg.State{}, fmt.Errorf("getting nonce state: %s", err)
	}
	return st, nil
}

// seed initializes a wallet's nonce row from the chain's transaction count.
// The stored values are "highest used" semantics, so a wallet with a pending
// count of c starts at c-1.
func (a *Allocator) seed(ctx context.Context, chainID engine.ChainID, addr common.Address) error {
	reader, ok := a.chainReaders[chainID]
	if !ok {
		return fmt.Errorf("no chain reader for chain id %d", chainID)
	}
	networkNonce, err := reader.PendingNonceAt(ctx, addr)
	if err != nil {
		return fmt.Errorf("get pending nonce at: %s", err)
	}
	if err := a.store.EnsureState(ctx, chainID, addr, int64(networkNonce)-1); err != nil {
		return fmt.Errorf("seeding nonce state: %s", err)
	}
	a.log.Info().
		Int64("chainID", int64(chainID)).
		Str("address", addr.Hex()).
		Uint64("networkNonce", networkNonce).
		Msg("seeded nonce state from chain")
	return nil
}
