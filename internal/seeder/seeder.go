package seeder

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/internal/ledger"
)

const (
	DemoUserID      = "00000000-0000-0000-0000-000000000001"
	DemoAdminID     = "00000000-0000-0000-0000-0000000000ad"
	DemoBonusTokens = 100
)

// Granter is the slice of ledger.Service the seeder uses.
type Granter interface {
	Balance(ctx context.Context, userID string) (*ledger.UserBalance, error)
	Grant(ctx context.Context, userID string, amount int64, reason string, kind ledger.Kind) (*ledger.Receipt, error)
}

// AdminAdder registers an admin user id.
type AdminAdder interface {
	AddAdmin(ctx context.Context, userID string) error
}

// SeedDemoUser gives the demo user a welcome bonus unless they already hold
// tokens, so running it twice does not double the grant.
func SeedDemoUser(ctx context.Context, svc Granter, logger *zap.Logger) error {
	bal, err := svc.Balance(ctx, DemoUserID)
	if err != nil {
		return err
	}
	if bal.TokenBalance > 0 {
		logger.Info("[Seeder] demo user already funded, skipping", zap.Int64("token_balance", bal.TokenBalance))
		return nil
	}
	rec, err := svc.Grant(ctx, DemoUserID, DemoBonusTokens, "welcome bonus", ledger.KindBonus)
	if err != nil {
		return err
	}
	logger.Info("[Seeder] demo user funded",
		zap.String("user_id", DemoUserID),
		zap.String("transaction_id", rec.Transaction.ID),
		zap.Int64("token_balance", rec.Balance.TokenBalance),
	)
	return nil
}

// SeedDemoAdmin registers DemoAdminID. dir may be nil when the admin
// directory lives in configuration rather than the database.
func SeedDemoAdmin(ctx context.Context, dir AdminAdder, logger *zap.Logger) error {
	if dir == nil {
		logger.Info("[Seeder] no admin directory, add " + DemoAdminID + " to ADMIN_USER_IDS instead")
		return nil
	}
	if err := dir.AddAdmin(ctx, DemoAdminID); err != nil {
		return err
	}
	logger.Info("[Seeder] demo admin registered", zap.String("user_id", DemoAdminID))
	return nil
}
