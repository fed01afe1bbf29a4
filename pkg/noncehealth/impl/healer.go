package impl

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
)

// DefaultMaxInFlight mirrors the send worker's in-flight bound; a wallet
// under it is considered healthy.
const DefaultMaxInFlight = 100

// Healer repairs wallet nonce accounting against the chain's view.
type Healer struct {
	log         zerolog.Logger
	clients     map[engine.ChainID]eth.ChainClient
	allocator   noncepkg.Allocator
	store       noncepkg.Store
	records     txrecord.Store
	maxInFlight int64
	maxRecycled int64
}

// HealerConfig holds the healer's collaborators.
type HealerConfig struct {
	Clients     map[engine.ChainID]eth.ChainClient
	Allocator   noncepkg.Allocator
	Store       noncepkg.Store
	Records     txrecord.Store
	MaxInFlight int64
	MaxRecycled int64
}

// NewHealer creates a healer. Zero bounds fall back to the defaults.
func NewHealer(cfg HealerConfig) *Healer {
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.MaxRecycled == 0 {
		cfg.MaxRecycled = 100
	}
	log := logger.With().
		Str("component", "noncehealer").
		Logger()

	return &Healer{
		log:         log,
		clients:     cfg.Clients,
		allocator:   cfg.Allocator,
		store:       cfg.Store,
		records:     cfg.Records,
		maxInFlight: cfg.MaxInFlight,
		maxRecycled: cfg.MaxRecycled,
	}
}

// Heal runs one healing pass: raise the confirmed watermark from the chain,
// then close nonce holes by recycling, or escalate to a reset when the holes
// outnumber what the recycled set can absorb.
func (h *Healer) Heal(ctx context.Context, chainID engine.ChainID, addr common.Address) error {
	client, ok := h.clients[chainID]
	if !ok {
		return fmt.Errorf("unsupported chain id %d", chainID)
	}
	log := h.log.With().
		Int64("chainID", int64(chainID)).
		Str("address", addr.Hex()).
		Logger()

	count, err := client.NonceAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("getting transaction count: %s", err)
	}
	if err := h.allocator.SetConfirmedMax(ctx, chainID, addr, int64(count)-1); err != nil {
		return fmt.Errorf("raising confirmed max: %s", err)
	}

	st, err := h.allocator.State(ctx, chainID, addr)
	if err != nil {
		return fmt.Errorf("getting nonce state: %s", err)
	}
	if st.LastAllocated-st.ConfirmedMax < h.maxInFlight {
		return nil
	}

	missing, err := h.missingNonces(ctx, chainID, addr, st)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	if st.RecycledCount+int64(len(missing)) > h.maxRecycled {
		log.Warn().
			Int("missing", len(missing)).
			Int64("recycled", st.RecycledCount).
			Msg("too many nonce holes, resetting wallet")
		return h.Reset(ctx, chainID, addr)
	}

	for _, n := range missing {
		err := h.allocator.Recycle(ctx, chainID, addr, n, st.Epoch)
		if errors.Is(err, noncepkg.ErrTooManyRecycled) {
			return h.Reset(ctx, chainID, addr)
		}
		if err != nil {
			return fmt.Errorf("recycling missing nonce %d: %s", n, err)
		}
	}
	log.Info().Int("healed", len(missing)).Msg("recycled missing nonces")
	return nil
}

// Reset resynchronizes the wallet from the chain's transaction count.
func (h *Healer) Reset(ctx context.Context, chainID engine.ChainID, addr common.Address) error {
	client, ok := h.clients[chainID]
	if !ok {
		return fmt.Errorf("unsupported chain id %d", chainID)
	}
	count, err := client.NonceAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("getting transaction count: %s", err)
	}
	if err := h.allocator.Reset(ctx, chainID, addr, int64(count)-1); err != nil {
		return fmt.Errorf("resetting nonce state: %s", err)
	}
	return nil
}

// missingNonces returns the nonces in (confirmedMax, lastAllocated] that are
// neither recycled nor carried by an in-flight transaction.
func (h *Healer) missingNonces(
	ctx context.Context, chainID engine.ChainID, addr common.Address, st noncepkg.State,
) ([]int64, error) {
	recycled, err := h.store.ListRecycled(ctx, chainID, addr)
	if err != nil {
		return nil, fmt.Errorf("listing recycled nonces: %s", err)
	}
	inFlight, err := h.records.ListSentNonces(ctx, chainID, addr)
	if err != nil {
		return nil, fmt.Errorf("listing sent nonces: %s", err)
	}

	used := make(map[int64]struct{}, len(recycled)+len(inFlight))
	for _, n := range recycled {
		used[n] = struct{}{}
	}
	for _, n := range inFlight {
		used[n] = struct{}{}
	}

	missing := make([]int64, 0)
	for n := st.ConfirmedMax + 1; n <= st.LastAllocated; n++ {
		if _, ok := used[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing, nil
}
