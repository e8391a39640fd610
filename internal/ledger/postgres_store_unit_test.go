package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/token-ledger/internal/id"
)

// fakePgDB hands out a single fakePgTx and fails every other call.
type fakePgDB struct {
	tx *fakePgTx
}

func (d *fakePgDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (d *fakePgDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: errors.New("unexpected query")}
}

func (d *fakePgDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected exec")
}

func (d *fakePgDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	return d.tx, nil
}

func (d *fakePgDB) Ping(ctx context.Context) error { return nil }
func (d *fakePgDB) Close()                         {}

// fakePgTx records statements. QueryRow answers with rowErr, which is how the
// conditional balance UPDATE reports that no row matched.
type fakePgTx struct {
	pgx.Tx
	execs      []string
	rowErr     error
	committed  bool
	rolledBack bool
}

func (tx *fakePgTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, strings.Join(strings.Fields(sql), " "))
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (tx *fakePgTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: tx.rowErr}
}

func (tx *fakePgTx) Commit(ctx context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakePgTx) Rollback(ctx context.Context) error {
	tx.rolledBack = true
	return nil
}

func (tx *fakePgTx) appended() bool {
	for _, sql := range tx.execs {
		if strings.HasPrefix(sql, "INSERT INTO ledger_transactions") {
			return true
		}
	}
	return false
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error { return r.err }

func pgMutation(tokens int64) *Mutation {
	return &Mutation{
		ID:          id.NewTransactionID(),
		UserID:      "pg-user",
		Kind:        KindSpend,
		TokenDelta:  tokens,
		CreditDelta: decimal.Zero,
		CreatedAt:   time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestPostgresStore_ApplyNoMatchingRowIsInsufficientBalance(t *testing.T) {
	tx := &fakePgTx{rowErr: pgx.ErrNoRows}
	store := NewPostgresStore(&fakePgDB{tx: tx})

	rec, err := store.Apply(context.Background(), pgMutation(-50))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Nil(t, rec)

	assert.False(t, tx.appended(), "a rejected mutation must not append a transaction")
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	require.NotEmpty(t, tx.execs)
	assert.True(t, strings.HasPrefix(tx.execs[0], "SET LOCAL lock_timeout"))
}

func TestPostgresStore_ApplyMapsUpdateErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bigint out of range", &pgconn.PgError{Code: "22003"}, ErrInvalidInput},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, ErrConflict},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ErrConflict},
		{"check violation", &pgconn.PgError{Code: "23514"}, ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &fakePgTx{rowErr: tt.err}
			store := NewPostgresStore(&fakePgDB{tx: tx})

			_, err := store.Apply(context.Background(), pgMutation(10))
			require.ErrorIs(t, err, tt.want)
			assert.False(t, tx.appended())
			assert.False(t, tx.committed)
		})
	}
}

func TestMapPgError(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, plain, mapPgError(plain))
	assert.ErrorIs(t, mapPgError(&pgconn.PgError{Code: "22003"}), ErrInvalidInput)
	assert.ErrorIs(t, mapPgError(&pgconn.PgError{Code: "40P01"}), ErrConflict)
	assert.NotErrorIs(t, mapPgError(&pgconn.PgError{Code: "23505"}), ErrConflict)
}
