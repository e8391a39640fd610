package budget

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PolicyKey is the integration_settings key the policy is stored under.
const PolicyKey = "budget_policy"

var ErrInvalidPolicy = errors.New("budget: invalid policy")

// Policy configures the monitor. AlertThresholds are fractions of the
// ceiling, e.g. 0.8 for "80% consumed".
type Policy struct {
	MonthlyCeiling  decimal.Decimal   `json:"monthly_ceiling"`
	AlertThresholds []decimal.Decimal `json:"alert_thresholds"`
	TokenUnitCost   decimal.Decimal   `json:"token_unit_cost"`
	LookbackDays    int               `json:"lookback_days"`
}

const maxLookbackDays = 366

func (p Policy) Validate() error {
	if p.MonthlyCeiling.IsNegative() {
		return fmt.Errorf("%w: monthly ceiling %s is negative", ErrInvalidPolicy, p.MonthlyCeiling)
	}
	if !p.TokenUnitCost.IsPositive() {
		return fmt.Errorf("%w: token unit cost must be positive, got %s", ErrInvalidPolicy, p.TokenUnitCost)
	}
	if p.LookbackDays < 1 || p.LookbackDays > maxLookbackDays {
		return fmt.Errorf("%w: lookback days must be between 1 and %d, got %d", ErrInvalidPolicy, maxLookbackDays, p.LookbackDays)
	}
	for i, th := range p.AlertThresholds {
		if !th.IsPositive() {
			return fmt.Errorf("%w: threshold %s must be positive", ErrInvalidPolicy, th)
		}
		if i > 0 && !th.GreaterThan(p.AlertThresholds[i-1]) {
			return fmt.Errorf("%w: thresholds must be strictly ascending", ErrInvalidPolicy)
		}
	}
	return nil
}
