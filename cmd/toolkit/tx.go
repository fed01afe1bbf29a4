package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	engineimpl "github.com/thirdweb-dev/engine-sub001/internal/engine/impl"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	jobsimpl "github.com/thirdweb-dev/engine-sub001/pkg/jobs/impl"
	txrecordimpl "github.com/thirdweb-dev/engine-sub001/pkg/txrecord/impl"
	"github.com/thirdweb-dev/engine-sub001/pkg/wallet"
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Inspects and cancels queued transactions",
	Long:  `Inspects and cancels queued transactions`,
	Args:  cobra.ExactArgs(1),
}

var txCancelCmd = &cobra.Command{
	Use:   "cancel [queue-id]",
	Short: "Cancels a queued or in-flight transaction",
	Long: `Cancels a queued or in-flight transaction; an in-flight one is raced
with a zero-value replacement under the same nonce`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		eng, closeDB, err := setupEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		view, err := eng.Cancel(ctx, args[0])
		if errors.Is(err, engine.ErrNotFound) {
			return fmt.Errorf("no transaction with queue id %s", args[0])
		}
		if errors.Is(err, engine.ErrNotCancellable) {
			return fmt.Errorf("transaction %s already reached a terminal state", args[0])
		}
		if err != nil {
			return fmt.Errorf("cancelling transaction: %s", err)
		}

		fmt.Printf("Transaction %s is now %s\n", view.QueueID, view.Status)
		return nil
	},
}

var txStatusCmd = &cobra.Command{
	Use:   "status [queue-id]",
	Short: "Prints a transaction's lifecycle state",
	Long:  `Prints a transaction's lifecycle state`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		eng, closeDB, err := setupEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		view, err := eng.Get(ctx, args[0])
		if errors.Is(err, engine.ErrNotFound) {
			return fmt.Errorf("no transaction with queue id %s", args[0])
		}
		if err != nil {
			return fmt.Errorf("getting transaction: %s", err)
		}

		fmt.Printf("Transaction %s on chain %d: %s\n", view.QueueID, view.ChainID, view.Status)
		if view.Nonce != nil {
			fmt.Printf("  nonce:   %d\n", *view.Nonce)
		}
		for _, h := range view.Hashes {
			fmt.Printf("  hash:    %s\n", h)
		}
		if view.OnchainStatus != nil {
			fmt.Printf("  onchain: %s\n", *view.OnchainStatus)
		}
		if view.ErrorMessage != "" {
			fmt.Printf("  error:   %s\n", view.ErrorMessage)
		}
		return nil
	},
}

func setupEngine(ctx context.Context, cmd *cobra.Command) (engine.Engine, func(), error) {
	dbPath, err := cmd.Flags().GetString("db")
	if err != nil {
		return nil, nil, errors.New("failed to parse db")
	}
	gateway, err := cmd.Flags().GetString("gateway")
	if err != nil {
		return nil, nil, errors.New("failed to parse gateway")
	}
	rawChainID, err := cmd.Flags().GetInt64("chain-id")
	if err != nil {
		return nil, nil, errors.New("failed to parse chain-id")
	}
	privateKey, err := cmd.Flags().GetString("privatekey")
	if err != nil {
		return nil, nil, errors.New("failed to parse privatekey")
	}

	var keys []string
	if privateKey != "" {
		keys = append(keys, privateKey)
	}
	keyring, err := wallet.NewKeyring(keys)
	if err != nil {
		return nil, nil, fmt.Errorf("creating keyring: %s", err)
	}

	client, err := eth.Dial(ctx, gateway, rawChainID)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing chain %d: %s", rawChainID, err)
	}

	sqliteDB, err := database.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %s", err)
	}

	eng := engineimpl.NewEngine(engineimpl.Config{
		Clients: map[engine.ChainID]eth.ChainClient{engine.ChainID(rawChainID): client},
		Keyring: keyring,
		Records: txrecordimpl.NewTxRecordStore(sqliteDB),
		Queue:   jobsimpl.NewQueue(sqliteDB),
	})

	return eng, func() { _ = sqliteDB.Close() }, nil
}
