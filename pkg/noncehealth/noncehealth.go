// Package noncehealth watches wallet nonce accounting for holes and drift.
package noncehealth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
)

// Healer repairs a wallet's nonce space: it recycles individual missing
// nonces when the damage is small and forces a full reset when it is not.
type Healer interface {
	// Heal runs one healing pass for the wallet.
	Heal(ctx context.Context, chainID engine.ChainID, addr common.Address) error

	// Reset resynchronizes the wallet's nonce space from the chain's
	// authoritative transaction count.
	Reset(ctx context.Context, chainID engine.ChainID, addr common.Address) error
}
