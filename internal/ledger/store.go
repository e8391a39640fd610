package ledger

import (
	"context"
	"time"
)

// Store persists balances, the transaction log and payment settlements.
//
// Each mutating method is one atomic unit scoped to a single user's balance
// row. Implementations report write conflicts (serialization failures,
// deadlocks, lock timeouts, busy databases) as ErrConflict and floor
// violations as ErrInsufficientBalance; in both cases nothing is written.
type Store interface {
	// Apply changes the balance by m's deltas and appends m's transaction.
	Apply(ctx context.Context, m *Mutation) (*Receipt, error)
	// Settle is Apply plus a settled Settlement for m.SettlementRef.
	// Returns ErrDuplicateSettlement if the reference is already recorded.
	Settle(ctx context.Context, m *Mutation) (*Receipt, error)
	// Reverse appends refund, whose deltas the store sets to the exact
	// negation of the settled purchase, and marks the settlement reversed.
	// Returns ErrNotFound or ErrAlreadyRefunded.
	Reverse(ctx context.Context, settlementRef string, refund *Mutation) (*Receipt, error)

	// GetBalance returns ZeroBalance for unknown users without creating a row.
	GetBalance(ctx context.Context, userID string) (*UserBalance, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
	GetSettlement(ctx context.Context, ref string) (*Settlement, error)
	// ScanUsage returns committed spend and purchase rows in [from, to).
	ScanUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
