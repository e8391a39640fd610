package cli

import (
	"github.com/spf13/cobra"

	"github.com/vnmchuo/token-ledger/internal/ledger"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().IntP("limit", "n", 10, "Number of recent transactions to include")
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Print a user's balance and recent transactions as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	svc := a.service()
	bal, err := svc.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	txns, err := svc.Transactions(cmd.Context(), ledger.TransactionFilter{UserID: args[0], Limit: limit})
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"balance": bal, "transactions": txns})
}
