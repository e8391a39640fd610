package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/token-ledger/internal/ledger"
	"github.com/vnmchuo/token-ledger/internal/seeder"
)

func init() {
	rootCmd.AddCommand(seedCmd)
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fund the demo user and register the demo admin",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.migrate(); err != nil {
			return err
		}
		return runSeeders(cmd.Context(), a, a.service())
	},
}

func runSeeders(ctx context.Context, a *app, svc *ledger.Service) error {
	if err := seeder.SeedDemoUser(ctx, svc, a.logger); err != nil {
		return err
	}
	// A nil *PostgresDirectory must not become a non-nil interface.
	var dir seeder.AdminAdder
	if a.admins != nil {
		dir = a.admins
	}
	return seeder.SeedDemoAdmin(ctx, dir, a.logger)
}
