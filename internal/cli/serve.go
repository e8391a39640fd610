package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/config"
	"github.com/vnmchuo/token-ledger/internal/alert"
	"github.com/vnmchuo/token-ledger/internal/api"
	"github.com/vnmchuo/token-ledger/internal/auth"
	"github.com/vnmchuo/token-ledger/internal/budget"
	"github.com/vnmchuo/token-ledger/internal/ledger"
	"github.com/vnmchuo/token-ledger/internal/settings"
	"github.com/vnmchuo/token-ledger/internal/telemetry"
	"github.com/vnmchuo/token-ledger/internal/worker"
	"github.com/vnmchuo/token-ledger/pkg/ratelimit"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("migrate", true, "Apply pending Postgres migrations before serving")
	serveCmd.Flags().Bool("seed", false, "Seed the demo user and admin before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger HTTP API and the budget scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger

	// 1. Telemetry
	tracer, shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Exporter: a.cfg.OTELExporterType,
		Endpoint: a.cfg.OTELExporterEndpoint,
		Version:  Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// 2. Schema
	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := a.migrate(); err != nil {
			return err
		}
	}

	// 3. Ledger and budget
	svc := a.service(ledger.WithTracer(tracer))
	monitor := a.monitor()

	if seed, _ := cmd.Flags().GetBool("seed"); seed {
		if err := runSeeders(ctx, a, svc); err != nil {
			return err
		}
	}

	// 4. Admin checks
	var assertions []auth.Assertion
	if a.admins != nil {
		assertions = append(assertions, auth.AdminTable{Dir: a.admins}, auth.ProfileFlag{Dir: a.admins})
	}
	assertions = append(assertions, auth.IdentityClaims{Role: "admin"}, auth.NewStaticList(a.cfg.AdminUserIDs...))
	chain := auth.NewChain(a.rdb, log, assertions...)

	// 5. Rate limiter
	var limiter *ratelimit.Limiter
	if a.rdb != nil && a.cfg.DebitRateLimitPerMinute > 0 {
		limiter = ratelimit.NewLimiter(a.rdb, a.cfg.DebitRateLimitPerMinute)
	}

	// 6. Background workers
	var wg sync.WaitGroup
	if a.rdb != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := settings.Listen(ctx, a.rdb, log, a.policy); err != nil {
				log.Warn("settings invalidation listener stopped", zap.Error(err))
			}
		}()
	}
	if a.cfg.BudgetScanInterval > 0 {
		scan := worker.NewPeriodic(budget.NewScheduler(monitor, notifier(a.cfg, log), log), a.cfg.BudgetScanInterval, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = scan.Process(ctx)
		}()
	}

	// 7. HTTP
	handler := api.NewHandler(svc, monitor, a.policy, limiter, log)
	router := api.NewRouter(handler, api.RouterConfig{
		Identity: auth.NewIdentityMiddleware(log),
		Admin:    auth.RequireAdmin(chain),
		Tracer:   tracer,
		Logger:   log,
		Health:   a.store,
	})

	srv := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("token ledger starting", zap.String("port", a.cfg.Port), zap.String("store", a.cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	wg.Wait()
	log.Info("Server stopped")
	return nil
}

// notifier fans budget alerts out to the log and, if configured, a webhook.
func notifier(cfg *config.Config, log *zap.Logger) alert.Notifier {
	notifiers := []alert.Notifier{alert.NewLogNotifier(log)}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhookNotifier(cfg.AlertWebhookURL, &http.Client{Timeout: 10 * time.Second}))
	}
	return alert.NewFanout(log, notifiers...)
}
