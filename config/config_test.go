package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_SQLiteDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "test.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreDriverSQLite, cfg.StoreDriver)
	assert.True(t, cfg.TokensPerCredit.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 30, cfg.BudgetLookbackDays)
	assert.Equal(t, 15*time.Minute, cfg.BudgetScanInterval)
	require.Len(t, cfg.BudgetAlertThresholds, 3)
	assert.Equal(t, "0.8", cfg.BudgetAlertThresholds[1].String())
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mysql")

	_, err := Load()
	assert.ErrorContains(t, err, "unsupported STORE_DRIVER")
}

func TestParseThresholds(t *testing.T) {
	got, err := parseThresholds("0.25, 0.75 ,1")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = parseThresholds("0.8,0.5")
	assert.Error(t, err, "descending thresholds must be rejected")

	_, err = parseThresholds("0,1")
	assert.Error(t, err)

	_, err = parseThresholds("abc")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"u1", "u2"}, splitList(" u1, ,u2 "))
	assert.Nil(t, splitList(""))
}
