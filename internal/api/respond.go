package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/internal/budget"
	"github.com/vnmchuo/token-ledger/internal/ledger"
	"github.com/vnmchuo/token-ledger/internal/logger"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Action    string `json:"action,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: msg})
}

// writeError maps a service error to a status code. Only insufficient
// balance is presented as something the user can act on; everything that is
// not a client mistake is a generic retryable failure.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:   "insufficient_balance",
			Message: "not enough balance for this action",
			Action:  "top_up",
		})
	case errors.Is(err, ledger.ErrUnknownActionType):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown_action_type", Message: err.Error()})
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, budget.ErrInvalidPolicy),
		errors.Is(err, budget.ErrInvalidWindow):
		badRequest(w, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_refunded", Message: err.Error()})
	case errors.Is(err, ledger.ErrDuplicateSettlement):
		writeJSON(w, http.StatusConflict, errorBody{Error: "duplicate_settlement", Message: err.Error()})
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, budget.ErrAggregationFailed):
		logger.FromContext(r.Context(), h.logger).Warn("transient failure", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily_unavailable", Retryable: true})
	default:
		logger.FromContext(r.Context(), h.logger).Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Retryable: true})
	}
}
