package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/internal/auth"
	"github.com/vnmchuo/token-ledger/internal/budget"
	"github.com/vnmchuo/token-ledger/internal/costmodel"
	"github.com/vnmchuo/token-ledger/internal/ledger"
	"github.com/vnmchuo/token-ledger/pkg/ratelimit"
)

// PolicyStore reads and replaces the budget policy.
type PolicyStore interface {
	Get(ctx context.Context) (budget.Policy, error)
	Set(ctx context.Context, p budget.Policy) error
}

type Handler struct {
	ledger  *ledger.Service
	monitor *budget.Monitor
	policy  PolicyStore
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewHandler wires the HTTP surface. limiter may be nil to disable rate
// limiting of debits.
func NewHandler(svc *ledger.Service, monitor *budget.Monitor, policy PolicyStore, limiter *ratelimit.Limiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: svc, monitor: monitor, policy: policy, limiter: limiter, logger: logger}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseFilter reads kind, from, to, limit and offset from the query string.
func parseFilter(r *http.Request) (ledger.TransactionFilter, error) {
	q := r.URL.Query()
	var f ledger.TransactionFilter
	if k := q.Get("kind"); k != "" {
		kind, err := ledger.ParseKind(k)
		if err != nil {
			return f, err
		}
		f.Kind = kind
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%w: invalid '%s' date format (use RFC3339)", ledger.ErrInvalidInput, name)
			}
			*dst = t
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, fmt.Errorf("%w: '%s' must be an integer", ledger.ErrInvalidInput, name)
			}
			*dst = n
		}
	}
	return f, nil
}

type transactionsPage struct {
	Transactions []*ledger.Transaction `json:"transactions"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, f ledger.TransactionFilter) {
	txns, err := h.ledger.Transactions(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txns == nil {
		txns = []*ledger.Transaction{}
	}
	norm, _ := f.Normalize()
	writeJSON(w, http.StatusOK, transactionsPage{Transactions: txns, Limit: norm.Limit, Offset: norm.Offset})
}

// User surface

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.ledger.Balance(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handler) HandleMyTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f.UserID = auth.GetUserID(r.Context())
	h.listTransactions(w, r, f)
}

type debitRequest struct {
	ActionType string `json:"action_type"`
}

func (h *Handler) HandleDebit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)

	var req debitRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	allowed, err := h.limiter.Allow(ctx, userID)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, allowing debit", zap.Error(err))
	} else if !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Retryable: true})
		return
	}

	rec, err := h.ledger.Debit(ctx, userID, costmodel.ActionType(req.ActionType))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type convertRequest struct {
	CreditAmount decimal.Decimal `json:"credit_amount"`
}

func (h *Handler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := h.ledger.ConvertAtRate(r.Context(), auth.GetUserID(r.Context()), req.CreditAmount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleCosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"costs":             h.ledger.Costs().Entries(),
		"tokens_per_credit": h.ledger.ExchangeRate(),
	})
}

// Admin surface

type grantRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
	Kind   string `json:"kind"`
}

func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	kind := ledger.KindAdminGrant
	if req.Kind != "" {
		kind = ledger.Kind(req.Kind)
	}
	rec, err := h.ledger.Grant(r.Context(), req.UserID, req.Amount, req.Reason, kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "grant", zap.String("target_user", req.UserID), zap.Int64("amount", req.Amount))
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) HandlePaymentSettled(w http.ResponseWriter, r *http.Request) {
	var ev ledger.PaymentSettled
	if err := decodeBody(r, &ev); err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := h.ledger.ApplySettlement(r.Context(), ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if rec.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, rec)
}

func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	rec, err := h.ledger.RefundPayment(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "refund", zap.String("settlement_ref", ref))
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) HandleGetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.Settlement(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) HandleUserBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.ledger.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	h.listTransactions(w, r, f)
}

func (h *Handler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.ledger.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) HandleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.monitor.Status(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) HandleBudgetDaily(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 366 {
			badRequest(w, "'days' must be an integer between 1 and 366")
			return
		}
		days = n
	}
	stats, err := h.monitor.DailyUsageStats(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleBudgetProjection(w http.ResponseWriter, r *http.Request) {
	p, err := h.monitor.MonthlyProjection(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleBudgetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.monitor.Report(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policy.Get(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var p budget.Policy
	if err := decodeBody(r, &p); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.policy.Set(r.Context(), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "budget_policy_updated", zap.String("monthly_ceiling", p.MonthlyCeiling.String()))
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) audit(r *http.Request, action string, fields ...zap.Field) {
	fields = append(fields,
		zap.String("admin_user", auth.GetUserID(r.Context())),
		zap.String("request_id", auth.GetRequestID(r.Context())),
	)
	h.logger.Info("admin action: "+action, fields...)
}
