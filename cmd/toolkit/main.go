package main

import (
	"github.com/spf13/cobra"
)

var cliName = "toolkit"

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "toolkit is a CLI for engine operators",
	Long:  `toolkit is a CLI for engine operators executing mundane admin tasks`,
	Args:  cobra.ExactArgs(0),
}

func main() {
	rootCmd.Execute() //nolint
}

func init() {
	rootCmd.AddCommand(nonceCmd)
	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(walletCmd)

	nonceCmd.PersistentFlags().String("db", "engine.db", "path of the engine sqlite database")
	nonceCmd.PersistentFlags().Int64("chain-id", 1, "chain id")
	nonceCmd.PersistentFlags().String("gateway", "", "URL of an Ethereum node API (i.e: Alchemy/Infura)")
	nonceCmd.AddCommand(nonceResyncCmd)
	nonceCmd.AddCommand(nonceStateCmd)

	txCmd.PersistentFlags().String("db", "engine.db", "path of the engine sqlite database")
	txCmd.PersistentFlags().Int64("chain-id", 1, "chain id")
	txCmd.PersistentFlags().String("gateway", "", "URL of an Ethereum node API (i.e: Alchemy/Infura)")
	txCmd.PersistentFlags().String("privatekey", "", "the private key used to sign replacement transactions")
	txCmd.AddCommand(txCancelCmd)
	txCmd.AddCommand(txStatusCmd)

	walletCreateCmd.Flags().String("filename", "privatekey.hex", "Filename to store hex representation of private key")
	walletCmd.AddCommand(walletCreateCmd)
	walletCmd.AddCommand(walletAddressCmd)
}
