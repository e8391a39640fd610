package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTimeLayout is fixed-width so that text comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS user_balances (
		user_id        TEXT PRIMARY KEY,
		token_balance  INTEGER NOT NULL DEFAULT 0 CHECK (token_balance >= 0),
		credit_balance TEXT NOT NULL DEFAULT '0',
		updated_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		kind           TEXT NOT NULL CHECK (kind IN ('bonus','purchase','spend','admin_grant','conversion','refund')),
		token_delta    INTEGER NOT NULL,
		credit_delta   TEXT NOT NULL DEFAULT '0',
		description    TEXT NOT NULL DEFAULT '',
		metadata       TEXT,
		settlement_ref TEXT,
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_user_created ON ledger_transactions(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_kind_created ON ledger_transactions(kind, created_at)`,
	`CREATE TRIGGER IF NOT EXISTS ledger_transactions_no_update
		BEFORE UPDATE ON ledger_transactions
		BEGIN SELECT RAISE(ABORT, 'ledger_transactions is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS ledger_transactions_no_delete
		BEFORE DELETE ON ledger_transactions
		BEGIN SELECT RAISE(ABORT, 'ledger_transactions is append-only'); END`,
	`CREATE TABLE IF NOT EXISTS payment_settlements (
		settlement_ref        TEXT PRIMARY KEY,
		user_id               TEXT NOT NULL,
		transaction_id        TEXT NOT NULL REFERENCES ledger_transactions(id),
		status                TEXT NOT NULL CHECK (status IN ('settled','reversed')),
		refund_transaction_id TEXT REFERENCES ledger_transactions(id),
		settled_at            TEXT NOT NULL,
		reversed_at           TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS integration_settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admin_users (
		user_id    TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
}

// SQLiteStore keeps the ledger in a single SQLite file. It is meant for
// development and single-node deployments: one connection, immediate
// transactions, so mutations are fully serialized.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
		}
	}
	return NewSQLiteStore(db), nil
}

// NewSQLiteStore wraps an already-open database. The caller is responsible
// for the schema and for limiting the pool to one connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the handle for seeding.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func mapSQLiteError(err error) error {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return err
	}
	switch sqErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapSQLiteError(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapSQLiteError(err))
	}
	return nil
}

func (s *SQLiteStore) Apply(ctx context.Context, m *Mutation) (*Receipt, error) {
	var rec *Receipt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.applyTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) applyTx(ctx context.Context, tx *sql.Tx, m *Mutation) (*Receipt, error) {
	cur, err := s.balance(ctx, tx, m.UserID)
	if err != nil {
		return nil, err
	}
	next, err := m.ApplyTo(cur)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, token_balance, credit_balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			token_balance = excluded.token_balance,
			credit_balance = excluded.credit_balance,
			updated_at = excluded.updated_at
	`, next.UserID, next.TokenBalance, next.CreditBalance.String(), formatTime(next.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", mapSQLiteError(err))
	}

	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return nil, err
	}
	var ref *string
	if m.SettlementRef != "" {
		ref = &m.SettlementRef
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, user_id, kind, token_delta, credit_delta, description, metadata, settlement_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, string(m.Kind), m.TokenDelta, m.CreditDelta.String(), m.Description, meta, ref, formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", mapSQLiteError(err))
	}

	return &Receipt{Transaction: m.Transaction(), Balance: next}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) balance(ctx context.Context, q queryer, userID string) (*UserBalance, error) {
	var (
		bal              = UserBalance{UserID: userID}
		credits, updated string
	)
	err := q.QueryRowContext(ctx, `
		SELECT token_balance, credit_balance, updated_at FROM user_balances WHERE user_id = ?
	`, userID).Scan(&bal.TokenBalance, &credits, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ZeroBalance(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", mapSQLiteError(err))
	}
	if bal.CreditBalance, err = decimal.NewFromString(credits); err != nil {
		return nil, fmt.Errorf("failed to parse credit balance %q: %w", credits, err)
	}
	if bal.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &bal, nil
}

func (s *SQLiteStore) Settle(ctx context.Context, m *Mutation) (*Receipt, error) {
	var rec *Receipt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM payment_settlements WHERE settlement_ref = ?`, m.SettlementRef).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateSettlement, m.SettlementRef)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check settlement: %w", mapSQLiteError(err))
		}

		if rec, err = s.applyTx(ctx, tx, m); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_settlements (settlement_ref, user_id, transaction_id, status, settled_at)
			VALUES (?, ?, ?, ?, ?)
		`, m.SettlementRef, m.UserID, m.ID, string(SettlementSettled), formatTime(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to record settlement: %w", mapSQLiteError(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) Reverse(ctx context.Context, settlementRef string, refund *Mutation) (*Receipt, error) {
	var rec *Receipt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			userID, purchaseID, status, credits string
			tokens                              int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT s.user_id, s.transaction_id, s.status, t.token_delta, t.credit_delta
			FROM payment_settlements s
			JOIN ledger_transactions t ON t.id = s.transaction_id
			WHERE s.settlement_ref = ?
		`, settlementRef).Scan(&userID, &purchaseID, &status, &tokens, &credits)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: settlement %s", ErrNotFound, settlementRef)
		}
		if err != nil {
			return fmt.Errorf("failed to load settlement: %w", mapSQLiteError(err))
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
		_, err = tx.ExecContext(ctx, `
			UPDATE payment_settlements
			SET status = ?, refund_transaction_id = ?, reversed_at = ?
			WHERE settlement_ref = ?
		`, string(SettlementReversed), refund.ID, formatTime(refund.CreatedAt), settlementRef)
		if err != nil {
			return fmt.Errorf("failed to mark settlement reversed: %w", mapSQLiteError(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (*UserBalance, error) {
	return s.balance(ctx, s.db, userID)
}

const sqliteTransactionColumns = `id, user_id, kind, token_delta, credit_delta, description,
	COALESCE(metadata, ''), COALESCE(settlement_ref, ''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTransaction(row rowScanner) (*Transaction, error) {
	var (
		t                      Transaction
		kind, credits, created string
		meta                   string
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &t.TokenDelta, &credits, &t.Description, &meta, &t.SettlementRef, &created); err != nil {
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
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanSQLiteTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM ledger_transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where, args = append(where, "user_id = ?"), append(args, filter.UserID)
	}
	if filter.Kind != "" {
		where, args = append(where, "kind = ?"), append(args, string(filter.Kind))
	}
	if !filter.From.IsZero() {
		where, args = append(where, "created_at >= ?"), append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where, args = append(where, "created_at < ?"), append(args, formatTime(filter.To))
	}

	query := `SELECT ` + sqliteTransactionColumns + ` FROM ledger_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
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

func (s *SQLiteStore) GetSettlement(ctx context.Context, ref string) (*Settlement, error) {
	var (
		st                 Settlement
		status, settled    string
		refundID, reversed sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT settlement_ref, user_id, transaction_id, status, refund_transaction_id, settled_at, reversed_at
		FROM payment_settlements
		WHERE settlement_ref = ?
	`, ref).Scan(&st.Ref, &st.UserID, &st.TransactionID, &status, &refundID, &settled, &reversed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: settlement %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	st.Status = SettlementStatus(status)
	st.RefundTransactionID = refundID.String
	if st.SettledAt, err = parseTime(settled); err != nil {
		return nil, err
	}
	if reversed.Valid {
		at, err := parseTime(reversed.String)
		if err != nil {
			return nil, err
		}
		st.ReversedAt = &at
	}
	return &st, nil
}

func (s *SQLiteStore) ScanUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, kind, token_delta, credit_delta, created_at
		FROM ledger_transactions
		WHERE kind IN ('spend', 'purchase') AND created_at >= ? AND created_at < ?
		ORDER BY created_at
	`, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var (
			r                      UsageRecord
			kind, credits, created string
		)
		if err := rows.Scan(&r.UserID, &kind, &r.TokenDelta, &credits, &created); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		r.Kind = Kind(kind)
		if r.CreditDelta, err = decimal.NewFromString(credits); err != nil {
			return nil, fmt.Errorf("failed to parse credit delta %q: %w", credits, err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LoadSetting(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM integration_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load setting %s: %w", key, err)
	}
	return []byte(value), true, nil
}

func (s *SQLiteStore) SaveSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, mapSQLiteError(err))
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
