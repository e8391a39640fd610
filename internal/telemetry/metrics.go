package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for LedgerOperations.
const (
	OutcomeOK           = "ok"
	OutcomeInsufficient = "insufficient_balance"
	OutcomeRejected     = "rejected"
	OutcomeConflict     = "conflict"
	OutcomeError        = "error"
)

var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "operations_total",
	Help:      "Ledger mutations by operation and outcome.",
}, []string{"operation", "outcome"})

var LedgerOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ledger",
	Name:      "operation_duration_seconds",
	Help:      "Latency of ledger mutations including the conflict retry.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

var LedgerConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "conflict_retries_total",
	Help:      "Write conflicts that triggered the single internal retry.",
}, []string{"operation"})

var TokensSpent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "tokens_spent_total",
	Help:      "Tokens debited, by action type.",
}, []string{"action_type"})

var BudgetConsumed = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "budget",
	Name:      "month_to_date_spend",
	Help:      "Month-to-date spend as of the last budget evaluation.",
})

var BudgetProjected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "budget",
	Name:      "projected_monthly_spend",
	Help:      "Linear full-month projection as of the last budget evaluation.",
})

var BudgetCeiling = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "budget",
	Name:      "monthly_ceiling",
	Help:      "Configured monthly ceiling.",
})

var BudgetAlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "budget",
	Name:      "alerts_sent_total",
	Help:      "Budget alerts delivered, by alert kind.",
}, []string{"kind"})

// ObserveOperation records one finished ledger mutation.
func ObserveOperation(operation, outcome string, started time.Time) {
	LedgerOperations.WithLabelValues(operation, outcome).Inc()
	LedgerOperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
