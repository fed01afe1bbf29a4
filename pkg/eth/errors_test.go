package eth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/stretchr/testify/require"
)

func TestClassifyGethErrors(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindNonceTooLow, Classify(core.ErrNonceTooLow))
	require.Equal(t, KindNonceTooHigh, Classify(core.ErrNonceTooHigh))
	require.Equal(t, KindAlreadyKnown, Classify(txpool.ErrAlreadyKnown))
	require.Equal(t, KindReplacementUnderpriced, Classify(txpool.ErrReplaceUnderpriced))
	require.Equal(t, KindGasTooLow, Classify(core.ErrIntrinsicGas))
	require.Equal(t, KindInsufficientFunds, Classify(core.ErrInsufficientFunds))
}

func TestClassifyWrappedAndVariantMessages(t *testing.T) {
	t.Parallel()

	// Node errors usually arrive wrapped with RPC context.
	err := fmt.Errorf("sending transaction: %s", core.ErrNonceTooLow)
	require.Equal(t, KindNonceTooLow, Classify(err))

	require.Equal(t, KindNonceTooLow,
		Classify(errors.New("Invalid transaction nonce")))
	require.Equal(t, KindAlreadyKnown,
		Classify(errors.New("known transaction: 0xabc")))
	require.Equal(t, KindInsufficientFunds,
		Classify(errors.New("insufficient balance for transfer")))
	require.Equal(t, KindGasTooLow,
		Classify(errors.New("err: max fee per gas less than block base fee: address 0x...")))
}

func TestClassifyOrderingPrefersSpecificPatterns(t *testing.T) {
	t.Parallel()

	// "replacement transaction underpriced" contains "transaction
	// underpriced"; the replacement pattern must win.
	require.Equal(t, KindReplacementUnderpriced,
		Classify(errors.New("replacement transaction underpriced")))
	require.Equal(t, KindGasTooLow,
		Classify(errors.New("transaction underpriced")))
}

func TestClassifyUnknownFallback(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindUnknown, Classify(errors.New("connection reset by peer")))
	require.Equal(t, KindUnknown, Classify(nil))
	require.Equal(t, "unknown_rpc_error", KindUnknown.String())
	require.Equal(t, "nonce_too_low", KindNonceTooLow.String())
}
