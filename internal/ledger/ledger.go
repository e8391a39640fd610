// Package ledger owns per-user token and credit balances and their
// append-only transaction history.
//
// Every mutation (grant, spend, conversion, purchase, refund) is applied by a
// Store as a single atomic unit: the balance row changes and exactly one
// Transaction row is appended, or nothing happens at all. Balances never go
// below zero, so for every user
//
//	token_balance  == Σ token_delta
//	credit_balance == Σ credit_delta
//
// over that user's transactions.
package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a transaction.
type Kind string

const (
	KindBonus      Kind = "bonus"
	KindPurchase   Kind = "purchase"
	KindSpend      Kind = "spend"
	KindAdminGrant Kind = "admin_grant"
	KindConversion Kind = "conversion"
	KindRefund     Kind = "refund"
)

// IsValid reports whether k is a known transaction kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindBonus, KindPurchase, KindSpend, KindAdminGrant, KindConversion, KindRefund:
		return true
	}
	return false
}

// ParseKind converts external input into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidInput, s)
	}
	return k, nil
}

// UsageKinds are the kinds the budget monitor aggregates.
var UsageKinds = []Kind{KindSpend, KindPurchase}

// UserBalance is the current state of one user's wallet.
type UserBalance struct {
	UserID        string          `json:"user_id"`
	TokenBalance  int64           `json:"token_balance"`
	CreditBalance decimal.Decimal `json:"credit_balance"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ZeroBalance is what an unknown user reads as.
func ZeroBalance(userID string) *UserBalance {
	return &UserBalance{UserID: userID, CreditBalance: decimal.Zero}
}

// Transaction is one immutable row of the transaction log.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Kind          Kind              `json:"kind"`
	TokenDelta    int64             `json:"token_delta"`
	CreditDelta   decimal.Decimal   `json:"credit_delta"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SettlementRef string            `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// SettlementStatus tracks whether a payment has been reversed.
type SettlementStatus string

const (
	SettlementSettled  SettlementStatus = "settled"
	SettlementReversed SettlementStatus = "reversed"
)

// Settlement records a payment reference and the purchase it produced.
// Reversal updates this record, never the purchase transaction.
type Settlement struct {
	Ref                 string           `json:"settlement_ref"`
	UserID              string           `json:"user_id"`
	TransactionID       string           `json:"transaction_id"`
	Status              SettlementStatus `json:"status"`
	RefundTransactionID string           `json:"refund_transaction_id,omitempty"`
	SettledAt           time.Time        `json:"settled_at"`
	ReversedAt          *time.Time       `json:"reversed_at,omitempty"`
}

// CreditScale is the number of decimal places credits are stored with.
const CreditScale = 6

// CheckCreditScale rejects credit amounts finer than CreditScale places, which
// storage would otherwise round.
func CheckCreditScale(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(CreditScale)) {
		return fmt.Errorf("%w: credit amount %s has more than %d decimal places", ErrInvalidInput, d, CreditScale)
	}
	return nil
}

// Mutation is a balance change together with the transaction that records it.
// ID and CreatedAt are assigned by the Service before the Store sees it.
type Mutation struct {
	ID            string
	UserID        string
	Kind          Kind
	TokenDelta    int64
	CreditDelta   decimal.Decimal
	Description   string
	Metadata      map[string]string
	SettlementRef string
	CreatedAt     time.Time
}

// Transaction returns the log row m will append.
func (m *Mutation) Transaction() *Transaction {
	return &Transaction{
		ID:            m.ID,
		UserID:        m.UserID,
		Kind:          m.Kind,
		TokenDelta:    m.TokenDelta,
		CreditDelta:   m.CreditDelta,
		Description:   m.Description,
		Metadata:      m.Metadata,
		SettlementRef: m.SettlementRef,
		CreatedAt:     m.CreatedAt,
	}
}

// ApplyTo returns the balance after m, or ErrInsufficientBalance if either
// balance would go below zero. Token overflow and over-precise credits are
// ErrInvalidInput.
func (m *Mutation) ApplyTo(current *UserBalance) (*UserBalance, error) {
	if m.TokenDelta > 0 && current.TokenBalance > math.MaxInt64-m.TokenDelta {
		return nil, fmt.Errorf("%w: user %s has %d tokens, adding %d overflows", ErrInvalidInput, current.UserID, current.TokenBalance, m.TokenDelta)
	}
	if err := CheckCreditScale(m.CreditDelta); err != nil {
		return nil, err
	}
	tokens := current.TokenBalance + m.TokenDelta
	credits := current.CreditBalance.Add(m.CreditDelta)
	if tokens < 0 || credits.IsNegative() {
		return nil, fmt.Errorf("%w: user %s has %d tokens and %s credits, change is %+d tokens and %s credits",
			ErrInsufficientBalance, current.UserID, current.TokenBalance, current.CreditBalance, m.TokenDelta, m.CreditDelta)
	}
	return &UserBalance{
		UserID:        current.UserID,
		TokenBalance:  tokens,
		CreditBalance: credits,
		UpdatedAt:     m.CreatedAt,
	}, nil
}

// Receipt is the outcome of a committed mutation.
type Receipt struct {
	Transaction *Transaction `json:"transaction"`
	Balance     *UserBalance `json:"balance"`
	// Replayed is set when a redelivered payment event matched an existing
	// settlement and nothing was written.
	Replayed bool `json:"replayed,omitempty"`
}

// TransactionFilter narrows a history query. Zero values mean "any".
type TransactionFilter struct {
	UserID string
	Kind   Kind
	From   time.Time // inclusive
	To     time.Time // exclusive
	Limit  int
	Offset int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize validates f and applies paging defaults.
func (f TransactionFilter) Normalize() (TransactionFilter, error) {
	if f.Kind != "" && !f.Kind.IsValid() {
		return f, fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidInput, f.Kind)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, fmt.Errorf("%w: from must be before to", ErrInvalidInput)
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("%w: negative offset", ErrInvalidInput)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	return f, nil
}

// UsageRecord is the projection of a spend or purchase row that the budget
// monitor aggregates.
type UsageRecord struct {
	UserID      string
	Kind        Kind
	TokenDelta  int64
	CreditDelta decimal.Decimal
	CreatedAt   time.Time
}

// PaymentSettled is the verified event emitted by the payment collaborator.
type PaymentSettled struct {
	UserID        string          `json:"user_id"`
	Tokens        int64           `json:"tokens"`
	Credits       decimal.Decimal `json:"credits"`
	SettlementRef string          `json:"settlement_ref"`
}
