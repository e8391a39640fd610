// Package alert delivers budget alerts to operators.
package alert

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind classifies an alert.
type Kind string

const (
	KindThresholdCrossed    Kind = "threshold_crossed"
	KindOverBudget          Kind = "over_budget"
	KindProjectedOverBudget Kind = "projected_over_budget"
)

// Alert is a budget event for a single month.
type Alert struct {
	Kind      Kind            `json:"kind"`
	Period    string          `json:"period"` // YYYY-MM
	Message   string          `json:"message"`
	Ceiling   decimal.Decimal `json:"ceiling"`
	Consumed  decimal.Decimal `json:"consumed"`
	Projected decimal.Decimal `json:"projected"`
	Threshold decimal.Decimal `json:"threshold"`
	RaisedAt  time.Time       `json:"raised_at"`
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the application log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ctx context.Context, a Alert) error {
	n.logger.Warn(a.Message,
		zap.String("alert_kind", string(a.Kind)),
		zap.String("period", a.Period),
		zap.String("ceiling", a.Ceiling.String()),
		zap.String("consumed", a.Consumed.String()),
		zap.String("projected", a.Projected.String()),
		zap.String("threshold", a.Threshold.String()),
	)
	return nil
}
