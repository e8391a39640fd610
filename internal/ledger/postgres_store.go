package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore keeps the ledger in PostgreSQL. Mutations run at READ
// COMMITTED; the floor is enforced by a conditional UPDATE on the user's
// balance row, which row-locks it until commit.
type PostgresStore struct {
	db          DB
	lockTimeout time.Duration
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: 5 * time.Second}
}

// Postgres error codes treated as transient conflicts.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgCheckViolation       = "23514"
	pgNumericOutOfRange    = "22003"
)

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case pgCheckViolation:
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	case pgNumericOutOfRange:
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPgError(err))
	}
	defer func() {
		// Rollback after commit is a no-op; use a context that survives cancellation.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", mapPgError(err))
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) Apply(ctx context.Context, m *Mutation) (*Receipt, error) {
	var rec *Receipt
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		rec, err = s.applyTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) applyTx(ctx context.Context, tx pgx.Tx, m *Mutation) (*Receipt, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_balances (user_id, token_balance, credit_balance, updated_at)
		VALUES ($1, 0, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, m.UserID, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to bootstrap balance: %w", mapPgError(err))
	}

	bal := UserBalance{UserID: m.UserID}
	var credits string
	err = tx.QueryRow(ctx, `
		UPDATE user_balances
		SET token_balance = token_balance + $2,
		    credit_balance = credit_balance + $3::numeric,
		    updated_at = $4
		WHERE user_id = $1
		  AND token_balance + $2 >= 0
		  AND credit_balance + $3::numeric >= 0
		RETURNING token_balance, credit_balance::text, updated_at
	`, m.UserID, m.TokenDelta, m.CreditDelta.String(), m.CreatedAt).Scan(&bal.TokenBalance, &credits, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s cannot absorb %+d tokens and %s credits",
			ErrInsufficientBalance, m.UserID, m.TokenDelta, m.CreditDelta)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", mapPgError(err))
	}
	if bal.CreditBalance, err = decimal.NewFromString(credits); err != nil {
		return nil, fmt.Errorf("failed to parse credit balance %q: %w", credits, err)
	}

	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_transactions (id, user_id, kind, token_delta, credit_delta, description, metadata, settlement_ref, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::jsonb, NULLIF($8, ''), $9)
	`, m.ID, m.UserID, string(m.Kind), m.TokenDelta, m.CreditDelta.String(), m.Description, meta, m.SettlementRef, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", mapPgError(err))
	}

	return &Receipt{Transaction: m.Transaction(), Balance: &bal}, nil
}

func (s *PostgresStore) Settle(ctx context.Context, m *Mutation) (*Receipt, error) {
	var rec *Receipt
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if rec, err = s.applyTx(ctx, tx, m); err != nil {
			return err
		}
		// A concurrent settle of the same ref blocks here until the other
		// transaction finishes, then inserts nothing.
		tag, err := tx.Exec(ctx, `
			INSERT INTO payment_settlements (settlement_ref, user_id, transaction_id, status, settled_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (settlement_ref) DO NOTHING
		`, m.SettlementRef, m.UserID, m.ID, string(SettlementSettled), m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record settlement: %w", mapPgError(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateSettlement, m.SettlementRef)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Reverse(ctx context.Context, settlementRef string, refund *Mutation) (*Receipt, error) {
	var rec *Receipt
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			userID, purchaseID, status, credits string
			tokens                              int64
		)
		err := tx.QueryRow(ctx, `
			SELECT s.user_id, s.transaction_id, s.status, t.token_delta, t.credit_delta::text
			FROM payment_settlements s
			JOIN ledger_transactions t ON t.id = s.transaction_id
			WHERE s.settlement_ref = $1
			FOR UPDATE OF s
		`, settlementRef).Scan(&userID, &purchaseID, &status, &tokens, &credits)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: settlement %s", ErrNotFound, settlementRef)
		}
		if err != nil {
			return fmt.Errorf("failed to load settlement: %w", mapPgError(err))
		}
		if SettlementStatus(status) == SettlementReversed {
			return fmt.Errorf("%w: %s", ErrAlreadyRefunded, settlementRef)
		}
		creditDelta, err := decimal.NewFromString(credits)
		if err != nil {
			return fmt.Errorf("failed to parse purchase credits %q: %w", credits, err)
		}

		refund.UserID = userID
		refund.TokenDelta = -tokens
		refund.CreditDelta = creditDelta.Neg()
		refund.Metadata = map[string]string{"refunds_transaction_id": purchaseID}

		if rec, err = s.applyTx(ctx, tx, refund); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE payment_settlements
			SET status = $2, refund_transaction_id = $3, reversed_at = $4
			WHERE settlement_ref = $1
		`, settlementRef, string(SettlementReversed), refund.ID, refund.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to mark settlement reversed: %w", mapPgError(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*UserBalance, error) {
	bal := UserBalance{UserID: userID}
	var credits string
	err := s.db.QueryRow(ctx, `
		SELECT token_balance, credit_balance::text, updated_at
		FROM user_balances
		WHERE user_id = $1
	`, userID).Scan(&bal.TokenBalance, &credits, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ZeroBalance(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if bal.CreditBalance, err = decimal.NewFromString(credits); err != nil {
		return nil, fmt.Errorf("failed to parse credit balance %q: %w", credits, err)
	}
	return &bal, nil
}

const pgTransactionColumns = `id, user_id, kind, token_delta, credit_delta::text, description,
	COALESCE(metadata, '{}'::jsonb)::text, COALESCE(settlement_ref, ''), created_at`

func scanPgTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t             Transaction
		kind, credits string
		meta          string
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &t.TokenDelta, &credits, &t.Description, &meta, &t.SettlementRef, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	var err error
	if t.CreditDelta, err = decimal.NewFromString(credits); err != nil {
		return nil, fmt.Errorf("failed to parse credit delta %q: %w", credits, err)
	}
	if t.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanPgTransaction(s.db.QueryRow(ctx,
		`SELECT `+pgTransactionColumns+` FROM ledger_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}

	query := `SELECT ` + pgTransactionColumns + ` FROM ledger_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanPgTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, ref string) (*Settlement, error) {
	var (
		st     Settlement
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT settlement_ref, user_id, transaction_id, status,
		       COALESCE(refund_transaction_id, ''), settled_at, reversed_at
		FROM payment_settlements
		WHERE settlement_ref = $1
	`, ref).Scan(&st.Ref, &st.UserID, &st.TransactionID, &status, &st.RefundTransactionID, &st.SettledAt, &st.ReversedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: settlement %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	st.Status = SettlementStatus(status)
	return &st, nil
}

func (s *PostgresStore) ScanUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, kind, token_delta, credit_delta::text, created_at
		FROM ledger_transactions
		WHERE kind IN ('spend', 'purchase') AND created_at >= $1 AND created_at < $2
		ORDER BY created_at
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var (
			r             UsageRecord
			kind, credits string
		)
		if err := rows.Scan(&r.UserID, &kind, &r.TokenDelta, &credits, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		r.Kind = Kind(kind)
		if r.CreditDelta, err = decimal.NewFromString(credits); err != nil {
			return nil, fmt.Errorf("failed to parse credit delta %q: %w", credits, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage: %w", err)
	}
	return out, nil
}

// LoadSetting reads a JSON document from integration_settings.
func (s *PostgresStore) LoadSetting(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value::text FROM integration_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load setting %s: %w", key, err)
	}
	return []byte(value), true, nil
}

func (s *PostgresStore) SaveSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO integration_settings (key, value, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, string(value))
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func encodeMetadata(meta map[string]string) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	s := string(b)
	return &s, nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return meta, nil
}
