package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/token-ledger/internal/ledger"
)

type fakeUsage struct {
	mu   sync.Mutex
	rows []ledger.UsageRecord
	err  error
}

func (f *fakeUsage) ScanUsage(ctx context.Context, from, to time.Time) ([]ledger.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []ledger.UsageRecord
	for _, r := range f.rows {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeUsage) add(r ledger.UsageRecord) {
	f.mu.Lock()
	f.rows = append(f.rows, r)
	f.mu.Unlock()
}

func spend(user string, tokens int64, at time.Time) ledger.UsageRecord {
	return ledger.UsageRecord{UserID: user, Kind: ledger.KindSpend, TokenDelta: -tokens, CreditDelta: decimal.Zero, CreatedAt: at}
}

func purchase(user string, tokens int64, credits string, at time.Time) ledger.UsageRecord {
	return ledger.UsageRecord{UserID: user, Kind: ledger.KindPurchase, TokenDelta: tokens, CreditDelta: decimal.RequireFromString(credits), CreatedAt: at}
}

func testPolicy() Policy {
	return Policy{
		MonthlyCeiling:  decimal.NewFromInt(1000),
		AlertThresholds: []decimal.Decimal{decimal.RequireFromString("0.25"), decimal.RequireFromString("0.5")},
		TokenUnitCost:   decimal.NewFromInt(1),
		LookbackDays:    7,
	}
}

// April has 30 days; the clock reads day 10.
var april10 = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func newTestMonitor(rows ...ledger.UsageRecord) (*Monitor, *fakeUsage) {
	src := &fakeUsage{rows: rows}
	return NewMonitor(src, StaticPolicy(testPolicy()), WithClock(func() time.Time { return april10 })), src
}

func TestProject(t *testing.T) {
	tests := []struct {
		name        string
		mtd         int64
		elapsed     int
		daysInMonth int
		want        int64
	}{
		{"day 10 of 30", 300, 10, 30, 900},
		{"day 1 clamps", 300, 1, 30, 9000},
		{"day 0 clamps", 300, 0, 30, 9000},
		{"negative clamps", 300, -4, 31, 9300},
		{"last day", 620, 31, 31, 620},
		{"no spend", 0, 15, 30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Project(decimal.NewFromInt(tt.mtd), tt.elapsed, tt.daysInMonth)
			assert.True(t, got.Equal(decimal.NewFromInt(tt.want)), "got %s, want %d", got, tt.want)
		})
	}
}

func TestMonitor_MonthlyProjection(t *testing.T) {
	m, _ := newTestMonitor(
		spend("a", 100, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)),
		spend("b", 200, time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)),
		purchase("a", 50, "10", time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)),
		spend("c", 999, time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)), // previous month
	)

	p, err := m.MonthlyProjection(context.Background())
	require.NoError(t, err)
	assert.False(t, p.Empty)
	assert.Equal(t, 10, p.DaysElapsed)
	assert.Equal(t, 30, p.DaysInMonth)
	assert.True(t, p.MonthToDateSpend.Equal(decimal.NewFromInt(300)), "mtd %s", p.MonthToDateSpend)
	assert.True(t, p.Projected.Equal(decimal.NewFromInt(900)), "projected %s", p.Projected)
}

func TestMonitor_Status(t *testing.T) {
	m, src := newTestMonitor(spend("a", 300, april10.Add(-time.Hour)))

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026-04", st.Period)
	assert.True(t, st.Remaining.Equal(decimal.NewFromInt(700)))
	assert.False(t, st.IsOverBudget)

	src.add(spend("b", 701, april10.Add(-time.Minute)))
	st, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsOverBudget)
	assert.True(t, st.Remaining.Equal(decimal.NewFromInt(-1)))
}

func TestMonitor_StatusAtCeilingIsNotOver(t *testing.T) {
	m, _ := newTestMonitor(spend("a", 1000, april10.Add(-time.Hour)))
	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.IsOverBudget)
	assert.True(t, st.Remaining.IsZero())
}

func TestMonitor_EmptyIsNotAnError(t *testing.T) {
	m, _ := newTestMonitor()

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Empty)
	assert.True(t, st.Consumed.IsZero())

	p, err := m.MonthlyProjection(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Empty)
	assert.True(t, p.Projected.IsZero())

	d, err := m.DailyUsageStats(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, d.Empty)
	assert.Len(t, d.Days, 7)
}

func TestMonitor_ReadFailure(t *testing.T) {
	m, src := newTestMonitor()
	src.err = errors.New("connection refused")

	_, err := m.Status(context.Background())
	assert.ErrorIs(t, err, ErrAggregationFailed)
	_, err = m.MonthlyProjection(context.Background())
	assert.ErrorIs(t, err, ErrAggregationFailed)
	_, err = m.DailyUsageStats(context.Background(), 3)
	assert.ErrorIs(t, err, ErrAggregationFailed)
	_, err = m.Report(context.Background())
	assert.ErrorIs(t, err, ErrAggregationFailed)
}

func TestMonitor_DailyUsageStats(t *testing.T) {
	m, _ := newTestMonitor(
		spend("a", 10, time.Date(2026, 4, 8, 1, 0, 0, 0, time.UTC)),
		spend("a", 5, time.Date(2026, 4, 8, 2, 0, 0, 0, time.UTC)),
		spend("b", 3, time.Date(2026, 4, 8, 23, 59, 59, 0, time.UTC)),
		purchase("c", 100, "2.5", time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)),
		spend("z", 77, time.Date(2026, 4, 7, 23, 0, 0, 0, time.UTC)), // outside the window
	)

	stats, err := m.DailyUsageStats(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, stats.Days, 3)
	assert.Equal(t, time.Date(2026, 4, 8, 0, 0, 0, 0, time.UTC), stats.From)
	assert.Equal(t, time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC), stats.To)

	day8, day9, day10 := stats.Days[0], stats.Days[1], stats.Days[2]
	assert.Equal(t, int64(18), day8.TokensSpent)
	assert.True(t, day8.SpendCost.Equal(decimal.NewFromInt(18)))
	assert.Equal(t, 2, day8.ActiveUsers)
	assert.Equal(t, 3, day8.Transactions)

	assert.Equal(t, 0, day9.Transactions)
	assert.True(t, day9.SpendCost.IsZero())

	assert.Equal(t, int64(100), day10.TokensPurchased)
	assert.True(t, day10.CreditsPurchased.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 1, day10.ActiveUsers)
}

func TestMonitor_DailyUsageStatsRejectsOversizedWindow(t *testing.T) {
	m, _ := newTestMonitor()

	for _, days := range []int{367, 1 << 40, 1 << 62} {
		stats, err := m.DailyUsageStats(context.Background(), days)
		assert.ErrorIs(t, err, ErrInvalidWindow, "days=%d", days)
		assert.Nil(t, stats)
	}

	stats, err := m.DailyUsageStats(context.Background(), 366)
	require.NoError(t, err)
	assert.Len(t, stats.Days, 366)
}

func TestMonitor_Report(t *testing.T) {
	m, _ := newTestMonitor(spend("a", 300, april10.Add(-time.Hour)))

	rep, err := m.Report(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.CrossedThresholds, 1)
	assert.True(t, rep.CrossedThresholds[0].Equal(decimal.RequireFromString("0.25")))
	assert.False(t, rep.ProjectedOverBudget)
	assert.True(t, rep.Projection.Projected.Equal(decimal.NewFromInt(900)))
}

func TestPolicy_Validate(t *testing.T) {
	ok := testPolicy()
	require.NoError(t, ok.Validate())

	bad := []func(*Policy){
		func(p *Policy) { p.MonthlyCeiling = decimal.NewFromInt(-1) },
		func(p *Policy) { p.TokenUnitCost = decimal.Zero },
		func(p *Policy) { p.LookbackDays = 0 },
		func(p *Policy) { p.LookbackDays = 400 },
		func(p *Policy) {
			p.AlertThresholds = []decimal.Decimal{decimal.RequireFromString("0.8"), decimal.RequireFromString("0.5")}
		},
		func(p *Policy) { p.AlertThresholds = []decimal.Decimal{decimal.Zero} },
	}
	for i, mutate := range bad {
		p := testPolicy()
		mutate(&p)
		assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy, "case %d", i)
	}
}
