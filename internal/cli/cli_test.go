package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/token-ledger/internal/budget"
	"github.com/vnmchuo/token-ledger/internal/seeder"
)

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("COST_MODEL_PATH", "")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOpenApp_SQLite(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("BUDGET_MONTHLY_CEILING", "250")

	a, err := openApp(context.Background())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.admins)
	assert.Nil(t, a.rdb)

	p, err := a.policy.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "250", p.MonthlyCeiling.String())
	assert.NoError(t, a.migrate(), "migrate is a no-op on sqlite")
}

func TestSeedThenBalance(t *testing.T) {
	sqliteEnv(t)

	_, err := run(t, "seed")
	require.NoError(t, err)

	out, err := run(t, "balance", seeder.DemoUserID, "--limit", "5")
	require.NoError(t, err)

	var got struct {
		Balance struct {
			TokenBalance int64 `json:"token_balance"`
		} `json:"balance"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.EqualValues(t, seeder.DemoBonusTokens, got.Balance.TokenBalance)
	assert.Len(t, got.Transactions, 1)
}

func TestBudgetReport_Empty(t *testing.T) {
	sqliteEnv(t)

	out, err := run(t, "budget", "report")
	require.NoError(t, err)

	var rep budget.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Status.Empty)
	assert.True(t, rep.Status.Consumed.IsZero())
}

func TestMigrate_RejectsSQLite(t *testing.T) {
	sqliteEnv(t)
	_, err := run(t, "migrate", "version")
	assert.Error(t, err)
}

func TestBudgetDaily_RejectsOversizedWindow(t *testing.T) {
	sqliteEnv(t)
	_, err := run(t, "budget", "daily", "--days", "100000")
	assert.ErrorIs(t, err, budget.ErrInvalidWindow)
	_, err = run(t, "budget", "daily", "--days", "2")
	assert.NoError(t, err)
}
