package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/internal/costmodel"
	"github.com/vnmchuo/token-ledger/internal/id"
	"github.com/vnmchuo/token-ledger/internal/logger"
	"github.com/vnmchuo/token-ledger/internal/telemetry"
)

// Service exposes the atomic ledger operations. It holds no mutable state of
// its own; all serialization happens in the Store, per user.
type Service struct {
	store           Store
	costs           *costmodel.Model
	tokensPerCredit decimal.Decimal
	logger          *zap.Logger
	tracer          trace.Tracer
	now             func() time.Time
	newID           func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used when no request logger is in the context.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTracer sets the tracer for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithExchangeRate sets how many tokens one credit buys in ConvertAtRate.
func WithExchangeRate(tokensPerCredit decimal.Decimal) Option {
	return func(s *Service) { s.tokensPerCredit = tokensPerCredit }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, costs *costmodel.Model, opts ...Option) *Service {
	s := &Service{
		store:           store,
		costs:           costs,
		tokensPerCredit: decimal.NewFromInt(5),
		logger:          zap.NewNop(),
		tracer:          noop.NewTracerProvider().Tracer("ledger"),
		now:             time.Now,
		newID:           id.NewTransactionID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Costs returns the cost model the service debits against.
func (s *Service) Costs() *costmodel.Model { return s.costs }

// ExchangeRate returns the configured tokens per credit.
func (s *Service) ExchangeRate() decimal.Decimal { return s.tokensPerCredit }

func (s *Service) newMutation(userID string, kind Kind) *Mutation {
	return &Mutation{
		ID:          s.newID(),
		UserID:      userID,
		Kind:        kind,
		CreditDelta: decimal.Zero,
		CreatedAt:   s.now().UTC(),
	}
}

// Grant adds amount tokens to userID. kind must be bonus or admin_grant.
// Grants are additive and need no floor check.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, reason string, kind Kind) (*Receipt, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount must be positive, got %d", ErrInvalidInput, amount)
	}
	if kind != KindBonus && kind != KindAdminGrant {
		return nil, fmt.Errorf("%w: grants must be %s or %s, got %q", ErrInvalidInput, KindBonus, KindAdminGrant, kind)
	}

	m := s.newMutation(userID, kind)
	m.TokenDelta = amount
	m.Description = reason
	if m.Description == "" {
		m.Description = string(kind)
	}

	return s.mutate(ctx, "grant", m, func(ctx context.Context) (*Receipt, error) {
		return s.store.Apply(ctx, m)
	})
}

// Debit charges userID the cost of action. It fails with ErrUnknownActionType
// if the cost model does not price action and with ErrInsufficientBalance if
// the user cannot afford it; neither failure writes anything.
func (s *Service) Debit(ctx context.Context, userID string, action costmodel.ActionType) (*Receipt, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	cost, err := s.costs.Cost(action)
	if err != nil {
		logger.FromContext(ctx, s.logger).Warn("debit for unpriced action",
			zap.String("user_id", userID),
			zap.String("action_type", string(action)),
		)
		telemetry.LedgerOperations.WithLabelValues("debit", telemetry.OutcomeRejected).Inc()
		return nil, err
	}

	m := s.newMutation(userID, KindSpend)
	m.TokenDelta = -cost
	m.Description = string(action)
	m.Metadata = map[string]string{
		"action_type": string(action),
		"token_cost":  strconv.FormatInt(cost, 10),
	}

	rec, err := s.mutate(ctx, "debit", m, func(ctx context.Context) (*Receipt, error) {
		return s.store.Apply(ctx, m)
	})
	if err == nil {
		telemetry.TokensSpent.WithLabelValues(string(action)).Add(float64(cost))
	}
	return rec, err
}

// ConvertCreditsToTokens exchanges creditAmount credits for tokenAmount tokens
// in one conversion transaction.
func (s *Service) ConvertCreditsToTokens(ctx context.Context, userID string, creditAmount decimal.Decimal, tokenAmount int64) (*Receipt, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if !creditAmount.IsPositive() || tokenAmount <= 0 {
		return nil, fmt.Errorf("%w: conversion needs positive amounts, got %s credits for %d tokens", ErrInvalidInput, creditAmount, tokenAmount)
	}
	if err := CheckCreditScale(creditAmount); err != nil {
		return nil, err
	}

	m := s.newMutation(userID, KindConversion)
	m.TokenDelta = tokenAmount
	m.CreditDelta = creditAmount.Neg()
	m.Description = fmt.Sprintf("converted %s credits to %d tokens", creditAmount, tokenAmount)

	return s.mutate(ctx, "convert", m, func(ctx context.Context) (*Receipt, error) {
		return s.store.Apply(ctx, m)
	})
}

var maxTokens = decimal.NewFromInt(math.MaxInt64)

// ConvertAtRate converts creditAmount at the configured exchange rate,
// rounding the token amount down.
func (s *Service) ConvertAtRate(ctx context.Context, userID string, creditAmount decimal.Decimal) (*Receipt, error) {
	amount := creditAmount.Mul(s.tokensPerCredit).Floor()
	if amount.GreaterThan(maxTokens) {
		return nil, fmt.Errorf("%w: %s credits exceed the largest token amount", ErrInvalidInput, creditAmount)
	}
	tokens := amount.IntPart()
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: %s credits buy no tokens at %s tokens per credit", ErrInvalidInput, creditAmount, s.tokensPerCredit)
	}
	return s.ConvertCreditsToTokens(ctx, userID, creditAmount, tokens)
}

// ApplySettlement credits a verified payment as a purchase and records its
// settlement reference. Redelivery of the same event returns the original
// receipt with Replayed set.
func (s *Service) ApplySettlement(ctx context.Context, ev PaymentSettled) (*Receipt, error) {
	if err := requireUser(ev.UserID); err != nil {
		return nil, err
	}
	ref := strings.TrimSpace(ev.SettlementRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: settlement_ref is required", ErrInvalidInput)
	}
	if ev.Tokens < 0 || ev.Credits.IsNegative() || (ev.Tokens == 0 && !ev.Credits.IsPositive()) {
		return nil, fmt.Errorf("%w: payment must grant a positive amount", ErrInvalidInput)
	}
	if err := CheckCreditScale(ev.Credits); err != nil {
		return nil, err
	}

	m := s.newMutation(ev.UserID, KindPurchase)
	m.TokenDelta = ev.Tokens
	m.CreditDelta = ev.Credits
	m.SettlementRef = ref
	m.Description = "payment " + ref

	rec, err := s.mutate(ctx, "settle", m, func(ctx context.Context) (*Receipt, error) {
		return s.store.Settle(ctx, m)
	})
	if !errors.Is(err, ErrDuplicateSettlement) {
		return rec, err
	}
	return s.replaySettlement(ctx, ev, ref)
}

func (s *Service) replaySettlement(ctx context.Context, ev PaymentSettled, ref string) (*Receipt, error) {
	st, err := s.store.GetSettlement(ctx, ref)
	if err != nil {
		return nil, err
	}
	orig, err := s.store.GetTransaction(ctx, st.TransactionID)
	if err != nil {
		return nil, err
	}
	if orig.UserID != ev.UserID || orig.TokenDelta != ev.Tokens || !orig.CreditDelta.Equal(ev.Credits) {
		return nil, fmt.Errorf("%w: %s was settled for a different user or amount", ErrDuplicateSettlement, ref)
	}
	bal, err := s.store.GetBalance(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx, s.logger).Info("payment event redelivered",
		zap.String("settlement_ref", ref),
		zap.String("transaction_id", orig.ID),
	)
	return &Receipt{Transaction: orig, Balance: bal, Replayed: true}, nil
}

// RefundPayment reverses the purchase recorded under settlementRef by
// appending a refund with the exact negated deltas. The purchase row is left
// untouched. A second call fails with ErrAlreadyRefunded.
func (s *Service) RefundPayment(ctx context.Context, settlementRef string) (*Receipt, error) {
	ref := strings.TrimSpace(settlementRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: settlement_ref is required", ErrInvalidInput)
	}

	// UserID and deltas are filled in by the store from the original row.
	m := s.newMutation("", KindRefund)
	m.SettlementRef = ref
	m.Description = "refund of payment " + ref

	return s.mutate(ctx, "refund", m, func(ctx context.Context) (*Receipt, error) {
		return s.store.Reverse(ctx, ref, m)
	})
}

// Balance returns userID's balance; unknown users read as zero.
func (s *Service) Balance(ctx context.Context, userID string) (*UserBalance, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.store.GetBalance(ctx, userID)
}

// Transaction looks up a single log row.
func (s *Service) Transaction(ctx context.Context, txnID string) (*Transaction, error) {
	if txnID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if !id.ValidTransactionID(txnID) {
		return nil, fmt.Errorf("%w: malformed transaction id %q", ErrInvalidInput, txnID)
	}
	return s.store.GetTransaction(ctx, txnID)
}

// Transactions returns history matching filter, newest first.
func (s *Service) Transactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	f, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, f)
}

// Settlement returns the settlement record for ref.
func (s *Service) Settlement(ctx context.Context, ref string) (*Settlement, error) {
	return s.store.GetSettlement(ctx, ref)
}

// mutate runs one store unit with a single retry on ErrConflict.
func (s *Service) mutate(ctx context.Context, op string, m *Mutation, unit func(context.Context) (*Receipt, error)) (*Receipt, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.user_id", m.UserID),
		attribute.String("ledger.kind", string(m.Kind)),
		attribute.String("ledger.transaction_id", m.ID),
	))
	defer span.End()

	log := logger.FromContext(ctx, s.logger).With(
		zap.String("op", op),
		zap.String("transaction_id", m.ID),
	)

	rec, err := unit(ctx)
	if errors.Is(err, ErrConflict) && ctx.Err() == nil {
		telemetry.LedgerConflictRetries.WithLabelValues(op).Inc()
		log.Info("write conflict, retrying once", zap.Error(err))
		rec, err = unit(ctx)
	}

	outcome := telemetry.OutcomeOK
	switch {
	case err == nil:
		log.Info("ledger mutation committed",
			zap.String("user_id", rec.Transaction.UserID),
			zap.String("kind", string(rec.Transaction.Kind)),
			zap.Int64("token_delta", rec.Transaction.TokenDelta),
			zap.String("credit_delta", rec.Transaction.CreditDelta.String()),
			zap.Int64("token_balance", rec.Balance.TokenBalance),
		)
	case errors.Is(err, ErrInsufficientBalance):
		outcome = telemetry.OutcomeInsufficient
		log.Info("ledger mutation rejected", zap.String("user_id", m.UserID), zap.Error(err))
	case errors.Is(err, ErrAlreadyRefunded), errors.Is(err, ErrDuplicateSettlement),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
		outcome = telemetry.OutcomeRejected
		log.Info("ledger mutation rejected", zap.Error(err))
	case errors.Is(err, ErrConflict):
		outcome = telemetry.OutcomeConflict
		log.Warn("ledger mutation conflicted after retry", zap.Error(err))
	default:
		outcome = telemetry.OutcomeError
		log.Error("ledger mutation failed", zap.Error(err))
	}
	telemetry.ObserveOperation(op, outcome, started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	return rec, nil
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}
