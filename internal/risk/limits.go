package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Limits are the configured policy thresholds. Percentages are whole
// percents (5 means 5%), held as decimals so repeated evaluations of the
// same inputs never diverge by float rounding.
type Limits struct {
	MaxDailyLossPct     decimal.Decimal
	MaxDrawdownPct      decimal.Decimal
	MaxPositionFraction decimal.Decimal
	OrderRateWindow     time.Duration
	OrderRateLimit      int

	AutoApprovePromotion      bool
	AutoApproveRiskChanges    bool
	AutoApproveUniverseChange bool
}

// Rule reason codes, recorded in evaluation order.
const (
	ReasonKillSwitchEngaged     = "kill_switch_engaged"
	ReasonDailyLossLimit        = "daily_loss_limit"
	ReasonDrawdownLimit         = "drawdown_limit"
	ReasonPositionConcentration = "position_concentration"
	ReasonOrderRateExceeded     = "order_rate_exceeded"
	ReasonGovernanceApproval    = "governance_requires_approval"
	ReasonGovernanceAuto        = "governance_auto_approved"
	ReasonDefaultAllow          = "default_allow"
)
