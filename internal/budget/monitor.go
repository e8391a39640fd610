// Package budget aggregates committed ledger activity into daily usage,
// month-to-date spend and a linear full-month projection.
//
// The monitor only reads. It takes no locks on balances and reflects whatever
// transactions were committed when the scan ran.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/token-ledger/internal/ledger"
	"github.com/vnmchuo/token-ledger/internal/telemetry"
)

// ErrAggregationFailed means storage could not be read. It is distinct from
// an Empty result, which means there is simply no activity yet.
var ErrAggregationFailed = errors.New("budget: aggregation failed")

// ErrInvalidWindow means a requested report window is out of range.
var ErrInvalidWindow = errors.New("budget: invalid window")

// UsageSource is the read side of the ledger the monitor needs.
type UsageSource interface {
	ScanUsage(ctx context.Context, from, to time.Time) ([]ledger.UsageRecord, error)
}

// PolicySource yields the current policy. settings.Cache[Policy] is one.
type PolicySource interface {
	Get(ctx context.Context) (Policy, error)
}

// StaticPolicy is a PolicySource that never changes.
type StaticPolicy Policy

func (p StaticPolicy) Get(context.Context) (Policy, error) { return Policy(p), nil }

type DailyUsage struct {
	Date             time.Time       `json:"date"`
	TokensSpent      int64           `json:"tokens_spent"`
	SpendCost        decimal.Decimal `json:"spend_cost"`
	TokensPurchased  int64           `json:"tokens_purchased"`
	CreditsPurchased decimal.Decimal `json:"credits_purchased"`
	ActiveUsers      int             `json:"active_users"`
	Transactions     int             `json:"transactions"`
}

type DailyStats struct {
	From  time.Time    `json:"from"`
	To    time.Time    `json:"to"`
	Days  []DailyUsage `json:"days"`
	Empty bool         `json:"empty"`
}

type Projection struct {
	MonthToDateSpend decimal.Decimal `json:"month_to_date_spend"`
	Projected        decimal.Decimal `json:"projected"`
	DaysElapsed      int             `json:"days_elapsed"`
	DaysInMonth      int             `json:"days_in_month"`
	Empty            bool            `json:"empty"`
}

type Status struct {
	Period       string          `json:"period"`
	Ceiling      decimal.Decimal `json:"ceiling"`
	Consumed     decimal.Decimal `json:"consumed"`
	Remaining    decimal.Decimal `json:"remaining"`
	IsOverBudget bool            `json:"is_over_budget"`
	Empty        bool            `json:"empty"`
}

type Report struct {
	Status              Status            `json:"status"`
	Projection          Projection        `json:"projection"`
	ProjectedOverBudget bool              `json:"projected_over_budget"`
	CrossedThresholds   []decimal.Decimal `json:"crossed_thresholds"`
	GeneratedAt         time.Time         `json:"generated_at"`
}

type Monitor struct {
	usage  UsageSource
	policy PolicySource
	now    func() time.Time
}

type MonitorOption func(*Monitor)

func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(usage UsageSource, policy PolicySource, opts ...MonitorOption) *Monitor {
	m := &Monitor{usage: usage, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Project linearly extrapolates month-to-date spend to the whole month.
// daysElapsed is clamped to at least 1.
func Project(monthToDate decimal.Decimal, daysElapsed, daysInMonth int) decimal.Decimal {
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	return monthToDate.Mul(decimal.NewFromInt(int64(daysInMonth))).Div(decimal.NewFromInt(int64(daysElapsed)))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func daysIn(t time.Time) int {
	return startOfMonth(t).AddDate(0, 1, -1).Day()
}

func (m *Monitor) loadPolicy(ctx context.Context) (Policy, error) {
	p, err := m.policy.Get(ctx)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %w", ErrAggregationFailed, err)
	}
	return p, nil
}

func (m *Monitor) scan(ctx context.Context, from, to time.Time) ([]ledger.UsageRecord, error) {
	rows, err := m.usage.ScanUsage(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAggregationFailed, err)
	}
	return rows, nil
}

// DailyUsageStats reports one row per UTC day for the last days days,
// including today. days <= 0 uses the policy's lookback window.
func (m *Monitor) DailyUsageStats(ctx context.Context, days int) (*DailyStats, error) {
	if days > maxLookbackDays {
		return nil, fmt.Errorf("%w: at most %d days, got %d", ErrInvalidWindow, maxLookbackDays, days)
	}
	policy, err := m.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = policy.LookbackDays
	}

	today := startOfDay(m.now().UTC())
	from := today.AddDate(0, 0, -(days - 1))
	to := today.AddDate(0, 0, 1)

	rows, err := m.scan(ctx, from, to)
	if err != nil {
		return nil, err
	}

	stats := &DailyStats{From: from, To: to, Days: make([]DailyUsage, days), Empty: len(rows) == 0}
	users := make([]map[string]struct{}, days)
	for i := range stats.Days {
		stats.Days[i] = DailyUsage{
			Date:             from.AddDate(0, 0, i),
			SpendCost:        decimal.Zero,
			CreditsPurchased: decimal.Zero,
		}
		users[i] = map[string]struct{}{}
	}

	for _, r := range rows {
		i := int(startOfDay(r.CreatedAt.UTC()).Sub(from).Hours() / 24)
		if i < 0 || i >= days {
			continue
		}
		d := &stats.Days[i]
		d.Transactions++
		users[i][r.UserID] = struct{}{}
		switch r.Kind {
		case ledger.KindSpend:
			d.TokensSpent += -r.TokenDelta
		case ledger.KindPurchase:
			d.TokensPurchased += r.TokenDelta
			d.CreditsPurchased = d.CreditsPurchased.Add(r.CreditDelta)
		}
	}
	for i := range stats.Days {
		stats.Days[i].ActiveUsers = len(users[i])
		stats.Days[i].SpendCost = policy.TokenUnitCost.Mul(decimal.NewFromInt(stats.Days[i].TokensSpent))
	}
	return stats, nil
}

// monthToDate returns spend since the start of the current UTC month and
// whether any usage rows were found.
func (m *Monitor) monthToDate(ctx context.Context, policy Policy, now time.Time) (decimal.Decimal, bool, error) {
	rows, err := m.scan(ctx, startOfMonth(now), now)
	if err != nil {
		return decimal.Zero, false, err
	}
	var tokens int64
	for _, r := range rows {
		if r.Kind == ledger.KindSpend {
			tokens += -r.TokenDelta
		}
	}
	return policy.TokenUnitCost.Mul(decimal.NewFromInt(tokens)), len(rows) == 0, nil
}

func (m *Monitor) MonthlyProjection(ctx context.Context) (*Projection, error) {
	policy, err := m.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	mtd, empty, err := m.monthToDate(ctx, policy, now)
	if err != nil {
		return nil, err
	}
	return projection(mtd, empty, now), nil
}

func projection(mtd decimal.Decimal, empty bool, now time.Time) *Projection {
	elapsed, total := now.Day(), daysIn(now)
	return &Projection{
		MonthToDateSpend: mtd,
		Projected:        Project(mtd, elapsed, total),
		DaysElapsed:      elapsed,
		DaysInMonth:      total,
		Empty:            empty,
	}
}

func status(policy Policy, mtd decimal.Decimal, empty bool, now time.Time) *Status {
	return &Status{
		Period:       now.Format("2006-01"),
		Ceiling:      policy.MonthlyCeiling,
		Consumed:     mtd,
		Remaining:    policy.MonthlyCeiling.Sub(mtd),
		IsOverBudget: mtd.GreaterThan(policy.MonthlyCeiling),
		Empty:        empty,
	}
}

// Status compares month-to-date spend with the monthly ceiling.
func (m *Monitor) Status(ctx context.Context) (*Status, error) {
	policy, err := m.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	mtd, empty, err := m.monthToDate(ctx, policy, now)
	if err != nil {
		return nil, err
	}
	return status(policy, mtd, empty, now), nil
}

// Report combines status, projection and the alert thresholds already
// crossed, from a single scan.
func (m *Monitor) Report(ctx context.Context) (*Report, error) {
	policy, err := m.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	mtd, empty, err := m.monthToDate(ctx, policy, now)
	if err != nil {
		return nil, err
	}

	st := status(policy, mtd, empty, now)
	proj := projection(mtd, empty, now)
	rep := &Report{
		Status:              *st,
		Projection:          *proj,
		ProjectedOverBudget: proj.Projected.GreaterThan(policy.MonthlyCeiling),
		CrossedThresholds:   []decimal.Decimal{},
		GeneratedAt:         now,
	}
	if policy.MonthlyCeiling.IsPositive() {
		used := mtd.Div(policy.MonthlyCeiling)
		for _, th := range policy.AlertThresholds {
			if used.GreaterThanOrEqual(th) {
				rep.CrossedThresholds = append(rep.CrossedThresholds, th)
			}
		}
	}

	telemetry.BudgetConsumed.Set(mtd.InexactFloat64())
	telemetry.BudgetProjected.Set(proj.Projected.InexactFloat64())
	telemetry.BudgetCeiling.Set(policy.MonthlyCeiling.InexactFloat64())
	return rep, nil
}
