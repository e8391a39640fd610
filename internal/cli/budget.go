package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetReportCmd)
	budgetCmd.AddCommand(budgetDailyCmd)

	budgetDailyCmd.Flags().IntP("days", "d", 0, "Number of days to report (default: policy lookback)")
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect platform spend against the monthly budget",
}

var budgetReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print month-to-date spend, projection and crossed thresholds as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.monitor().Report(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var budgetDailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Print per-day usage as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.monitor().DailyUsageStats(cmd.Context(), days)
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
