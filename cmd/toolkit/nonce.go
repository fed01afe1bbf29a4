package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
	nonceimpl "github.com/thirdweb-dev/engine-sub001/pkg/nonce/impl"
)

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "Inspects and repairs wallet nonce accounting",
	Long:  `Inspects and repairs wallet nonce accounting`,
	Args:  cobra.ExactArgs(1),
}

var nonceResyncCmd = &cobra.Command{
	Use:   "resync [wallet-address]",
	Short: "Forces a wallet's nonce state back to the chain's view",
	Long: `Forces a wallet's nonce state back to the chain's view, clearing the
recycled set and invalidating every outstanding allocation`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, allocator, client, chainID, closeDB, err := setupNonceDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		addr := common.HexToAddress(args[0])
		txCount, err := client.NonceAt(ctx, addr, nil)
		if err != nil {
			return fmt.Errorf("get latest transaction count: %s", err)
		}
		if err := allocator.Reset(ctx, chainID, addr, int64(txCount)-1); err != nil {
			return fmt.Errorf("resetting nonce state: %s", err)
		}

		fmt.Printf("Wallet %s resynced to nonce %d on chain %d\n", addr.Hex(), int64(txCount)-1, chainID)
		return nil
	},
}

var nonceStateCmd = &cobra.Command{
	Use:   "state [wallet-address]",
	Short: "Prints a wallet's nonce accounting",
	Long:  `Prints a wallet's nonce accounting`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, _, _, chainID, closeDB, err := setupNonceDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		addr := common.HexToAddress(args[0])
		st, err := store.GetState(ctx, chainID, addr)
		if errors.Is(err, noncepkg.ErrStateNotFound) {
			fmt.Printf("Wallet %s has no nonce state on chain %d\n", addr.Hex(), chainID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("getting nonce state: %s", err)
		}

		fmt.Printf("Wallet %s on chain %d:\n", addr.Hex(), chainID)
		fmt.Printf("  last allocated: %d\n", st.LastAllocated)
		fmt.Printf("  confirmed max:  %d\n", st.ConfirmedMax)
		fmt.Printf("  epoch:          %d\n", st.Epoch)
		fmt.Printf("  recycled:       %d\n", st.RecycledCount)
		fmt.Printf("  in flight:      %d\n", st.InFlight())
		return nil
	},
}

func setupNonceDeps(
	ctx context.Context, cmd *cobra.Command,
) (noncepkg.Store, noncepkg.Allocator, eth.ChainClient, engine.ChainID, func(), error) {
	dbPath, err := cmd.Flags().GetString("db")
	if err != nil {
		return nil, nil, nil, 0, nil, errors.New("failed to parse db")
	}
	gateway, err := cmd.Flags().GetString("gateway")
	if err != nil {
		return nil, nil, nil, 0, nil, errors.New("failed to parse gateway")
	}
	rawChainID, err := cmd.Flags().GetInt64("chain-id")
	if err != nil {
		return nil, nil, nil, 0, nil, errors.New("failed to parse chain-id")
	}
	chainID := engine.ChainID(rawChainID)

	client, err := eth.Dial(ctx, gateway, rawChainID)
	if err != nil {
		return nil, nil, nil, 0, nil, fmt.Errorf("dialing chain %d: %s", rawChainID, err)
	}

	sqliteDB, err := database.Open(dbPath)
	if err != nil {
		return nil, nil, nil, 0, nil, fmt.Errorf("opening database: %s", err)
	}
	store := nonceimpl.NewNonceStore(sqliteDB)
	allocator, err := nonceimpl.NewAllocator(
		store, map[engine.ChainID]noncepkg.ChainNonceReader{chainID: client}, 0)
	if err != nil {
		_ = sqliteDB.Close()
		return nil, nil, nil, 0, nil, fmt.Errorf("creating nonce allocator: %s", err)
	}

	return store, allocator, client, chainID, func() { _ = sqliteDB.Close() }, nil
}
