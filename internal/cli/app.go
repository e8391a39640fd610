package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/config"
	"github.com/vnmchuo/token-ledger/internal/auth"
	"github.com/vnmchuo/token-ledger/internal/budget"
	"github.com/vnmchuo/token-ledger/internal/costmodel"
	"github.com/vnmchuo/token-ledger/internal/ledger"
	"github.com/vnmchuo/token-ledger/internal/logger"
	"github.com/vnmchuo/token-ledger/internal/settings"
)

// backend is a ledger store that also holds integration settings. Both
// PostgresStore and SQLiteStore are one.
type backend interface {
	ledger.Store
	settings.Store
}

// app holds the dependencies shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  backend
	admins *auth.PostgresDirectory // nil on sqlite
	rdb    *redis.Client           // nil when REDIS_ADDR is unset or unreachable
	costs  *costmodel.Model
	policy *settings.Cache[budget.Policy]
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	a := &app{
		cfg:    cfg,
		logger: logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.openRedis(ctx)

	if a.costs, err = costmodel.Load(cfg.CostModelPath); err != nil {
		a.Close()
		return nil, err
	}

	opts := []settings.CacheOption[budget.Policy]{settings.WithValidator(budget.Policy.Validate)}
	if a.rdb != nil {
		opts = append(opts, settings.WithPublisher[budget.Policy](a.rdb))
	}
	a.policy = settings.NewCache(a.store, budget.PolicyKey, a.defaultPolicy(), opts...)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := pgxpool.New(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("failed to ping postgres: %w", err)
		}
		a.store = ledger.NewPostgresStore(pool)
		a.admins = auth.NewPostgresDirectory(pool)
		a.logger.Info("PostgreSQL connected")
	case config.StoreDriverSQLite:
		store, err := ledger.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.store = store
		a.logger.Info("SQLite opened", zap.String("path", a.cfg.SQLitePath))
	default:
		return fmt.Errorf("unsupported store driver %q", a.cfg.StoreDriver)
	}
	return nil
}

// openRedis connects the optional cache. Everything that uses Redis degrades
// to local behaviour without it.
func (a *app) openRedis(ctx context.Context) {
	if a.cfg.RedisAddr == "" {
		return
	}
	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis unreachable, continuing without it", zap.String("addr", a.cfg.RedisAddr), zap.Error(err))
		_ = rdb.Close()
		return
	}
	a.rdb = rdb
	a.logger.Info("Redis connected")
}

func (a *app) defaultPolicy() budget.Policy {
	return budget.Policy{
		MonthlyCeiling:  a.cfg.BudgetMonthlyCeiling,
		AlertThresholds: a.cfg.BudgetAlertThresholds,
		TokenUnitCost:   a.cfg.BudgetTokenUnitCost,
		LookbackDays:    a.cfg.BudgetLookbackDays,
	}
}

func (a *app) migrate() error {
	if a.cfg.StoreDriver != config.StoreDriverPostgres {
		return nil
	}
	m, err := ledger.NewMigrator(a.cfg.PostgresDSN, a.logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

func (a *app) service(opts ...ledger.Option) *ledger.Service {
	opts = append([]ledger.Option{
		ledger.WithLogger(a.logger),
		ledger.WithExchangeRate(a.cfg.TokensPerCredit),
	}, opts...)
	return ledger.NewService(a.store, a.costs, opts...)
}

func (a *app) monitor() *budget.Monitor {
	return budget.NewMonitor(a.store, a.policy)
}

// Close releases every connection the app opened.
func (a *app) Close() error {
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
