package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Token and credit ledger for the chat platform",
	Long: `ledgerd owns per-user token and credit balances, the append-only
transaction log behind them, and the platform spend budget monitor.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}
