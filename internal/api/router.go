package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/internal/auth"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig collects what NewRouter needs besides the handler.
type RouterConfig struct {
	Identity auth.Middleware
	Admin    auth.Middleware
	Tracer   trace.Tracer
	Logger   *zap.Logger
	Health   Pinger
}

func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(requestLogger(cfg.Logger))
	}
	if cfg.Tracer != nil {
		r.Use(tracing(cfg.Tracer))
	}

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": "token-ledger"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "token-ledger"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(cfg.Identity)

		r.Route("/v1", func(r chi.Router) {
			r.Get("/balance", h.HandleBalance)
			r.Get("/transactions", h.HandleMyTransactions)
			r.Get("/costs", h.HandleCosts)
			r.Post("/debit", h.HandleDebit)
			r.Post("/convert", h.HandleConvert)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(cfg.Admin)

			r.Post("/grants", h.HandleGrant)
			r.Post("/payments/settled", h.HandlePaymentSettled)
			r.Get("/payments/{ref}", h.HandleGetSettlement)
			r.Post("/payments/{ref}/refund", h.HandleRefund)
			r.Get("/users/{userID}/balance", h.HandleUserBalance)
			r.Get("/transactions", h.HandleTransactions)
			r.Get("/transactions/{id}", h.HandleGetTransaction)

			r.Get("/budget/status", h.HandleBudgetStatus)
			r.Get("/budget/daily", h.HandleBudgetDaily)
			r.Get("/budget/projection", h.HandleBudgetProjection)
			r.Get("/budget/report", h.HandleBudgetReport)
			r.Get("/budget/policy", h.HandleGetPolicy)
			r.Put("/budget/policy", h.HandlePutPolicy)
		})
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(started)),
				zap.String("request_id", ww.Header().Get(auth.HeaderRequestID)),
			)
		})
	}
}

func tracing(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.Int("http.status_code", ww.Status()),
			)
		})
	}
}
