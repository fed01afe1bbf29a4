// Package eth defines the chain RPC surface the engine consumes.
package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the subset of an Ethereum JSON-RPC client the engine uses.
// *ethclient.Client satisfies it.
type ChainClient interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Dial connects to a chain endpoint and verifies the advertised chain id.
func Dial(ctx context.Context, endpoint string, chainID int64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing endpoint: %s", err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetching chain id: %s", err)
	}
	if got.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("endpoint reports chain id %d, expected %d", got.Int64(), chainID)
	}
	return client, nil
}
