package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Storage
	StoreDriver string // "postgres" or "sqlite", default: postgres
	PostgresDSN string
	SQLitePath  string // default: ledger.db

	// Cache (optional)
	RedisAddr string

	// Ledger
	CostModelPath   string
	TokensPerCredit decimal.Decimal // default: 5

	// Budget monitor
	BudgetMonthlyCeiling  decimal.Decimal
	BudgetAlertThresholds []decimal.Decimal // fractions of the ceiling, ascending
	BudgetTokenUnitCost   decimal.Decimal   // currency per token, default: 1
	BudgetLookbackDays    int               // default: 30
	BudgetScanInterval    time.Duration     // default: 15m, 0 disables the scheduler

	// Alerting
	AlertWebhookURL string

	// Admin
	AdminUserIDs []string

	// Rate Limiting
	DebitRateLimitPerMinute int64 // default: 120

	// Logging
	LogLevel  string // default: info
	LogFormat string // "json" or "console", default: json

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		StoreDriver:          strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		SQLitePath:           getEnv("SQLITE_PATH", "ledger.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		CostModelPath:        os.Getenv("COST_MODEL_PATH"),
		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		AdminUserIDs:         splitList(os.Getenv("ADMIN_USER_IDS")),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.TokensPerCredit, err = getDecimal("TOKENS_PER_CREDIT", "5"); err != nil {
		return nil, err
	}
	if cfg.BudgetMonthlyCeiling, err = getDecimal("BUDGET_MONTHLY_CEILING", "1000000"); err != nil {
		return nil, err
	}
	if cfg.BudgetTokenUnitCost, err = getDecimal("BUDGET_TOKEN_UNIT_COST", "1"); err != nil {
		return nil, err
	}
	if cfg.BudgetAlertThresholds, err = parseThresholds(getEnv("BUDGET_ALERT_THRESHOLDS", "0.5,0.8,1")); err != nil {
		return nil, err
	}

	lookback, err := strconv.Atoi(getEnv("BUDGET_LOOKBACK_DAYS", "30"))
	if err != nil || lookback <= 0 {
		return nil, fmt.Errorf("invalid BUDGET_LOOKBACK_DAYS: must be a positive integer")
	}
	cfg.BudgetLookbackDays = lookback

	cfg.BudgetScanInterval, err = time.ParseDuration(getEnv("BUDGET_SCAN_INTERVAL", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid BUDGET_SCAN_INTERVAL: %w", err)
	}

	rpm, err := strconv.ParseInt(getEnv("DEBIT_RATE_LIMIT_PER_MINUTE", "120"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEBIT_RATE_LIMIT_PER_MINUTE: %w", err)
	}
	cfg.DebitRateLimitPerMinute = rpm

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_DRIVER=postgres")
		}
	case StoreDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if !c.TokensPerCredit.IsPositive() {
		return fmt.Errorf("TOKENS_PER_CREDIT must be positive")
	}
	if c.BudgetMonthlyCeiling.IsNegative() {
		return fmt.Errorf("BUDGET_MONTHLY_CEILING must not be negative")
	}
	if !c.BudgetTokenUnitCost.IsPositive() {
		return fmt.Errorf("BUDGET_TOKEN_UNIT_COST must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseThresholds(raw string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, part := range splitList(raw) {
		d, err := decimal.NewFromString(part)
		if err != nil {
			return nil, fmt.Errorf("invalid BUDGET_ALERT_THRESHOLDS entry %q: %w", part, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("invalid BUDGET_ALERT_THRESHOLDS entry %q: must be positive", part)
		}
		if len(out) > 0 && !d.GreaterThan(out[len(out)-1]) {
			return nil, fmt.Errorf("BUDGET_ALERT_THRESHOLDS must be strictly ascending")
		}
		out = append(out, d)
	}
	return out, nil
}
