package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/internal/alert"
	"github.com/vnmchuo/token-ledger/internal/telemetry"
)

// Scheduler evaluates the budget and raises each alert at most once per
// month. It is a worker.Job.
type Scheduler struct {
	monitor  *Monitor
	notifier alert.Notifier
	logger   *zap.Logger

	mu     sync.Mutex
	period string
	sent   map[string]bool
}

func NewScheduler(monitor *Monitor, notifier alert.Notifier, logger *zap.Logger) *Scheduler {
	return &Scheduler{monitor: monitor, notifier: notifier, logger: logger, sent: map[string]bool{}}
}

func (s *Scheduler) Name() string { return "budget-scan" }

// Run performs one evaluation. A failed delivery is retried on the next run.
func (s *Scheduler) Run(ctx context.Context) error {
	rep, err := s.monitor.Report(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.period != rep.Status.Period {
		s.period, s.sent = rep.Status.Period, map[string]bool{}
	}

	var failed int
	for _, a := range s.alertsFor(rep) {
		key := string(a.Kind) + ":" + a.Threshold.String()
		if s.sent[key] {
			continue
		}
		if err := s.notifier.Notify(ctx, a); err != nil {
			s.logger.Warn("budget alert not delivered", zap.String("alert", key), zap.Error(err))
			failed++
			continue
		}
		s.sent[key] = true
		telemetry.BudgetAlertsSent.WithLabelValues(string(a.Kind)).Inc()
	}
	if failed > 0 {
		return fmt.Errorf("%d budget alerts not delivered", failed)
	}
	return nil
}

func (s *Scheduler) alertsFor(rep *Report) []alert.Alert {
	base := alert.Alert{
		Period:    rep.Status.Period,
		Ceiling:   rep.Status.Ceiling,
		Consumed:  rep.Status.Consumed,
		Projected: rep.Projection.Projected,
		Threshold: decimal.Zero,
		RaisedAt:  rep.GeneratedAt,
	}

	var out []alert.Alert
	for _, th := range rep.CrossedThresholds {
		a := base
		a.Kind = alert.KindThresholdCrossed
		a.Threshold = th
		a.Message = fmt.Sprintf("budget %s%% consumed for %s", th.Shift(2).String(), rep.Status.Period)
		out = append(out, a)
	}
	if rep.Status.IsOverBudget {
		a := base
		a.Kind = alert.KindOverBudget
		a.Message = fmt.Sprintf("spend %s exceeds monthly ceiling %s", rep.Status.Consumed, rep.Status.Ceiling)
		out = append(out, a)
	}
	if rep.ProjectedOverBudget && !rep.Status.IsOverBudget {
		a := base
		a.Kind = alert.KindProjectedOverBudget
		a.Message = fmt.Sprintf("projected spend %s will exceed monthly ceiling %s", rep.Projection.Projected.StringFixed(2), rep.Status.Ceiling)
		out = append(out, a)
	}
	return out
}
