package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/petralabs/riskgate/internal/ledger"
	"github.com/petralabs/riskgate/pkg/types"
)

// EquitySource supplies current account equity.
type EquitySource interface {
	CurrentEquity(ctx context.Context) (decimal.Decimal, error)
}

// PositionSource supplies the current signed position for a symbol.
type PositionSource interface {
	CurrentPosition(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Alerter receives alerts raised during evaluation (kill-switch engagement).
type Alerter interface {
	Dispatch(alert types.Alert) error
}

// Engine evaluates proposed actions against the configured limits and the
// running risk state. One critical section guards all evaluation: two
// concurrent evaluations can never both observe pre-breach state.
type Engine struct {
	mu        sync.Mutex
	limits    Limits
	state     State
	ledger    *ledger.Ledger
	equity    EquitySource
	positions PositionSource
	snapshots SnapshotStore
	alerts    Alerter
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log.With().Str("component", "risk").Logger() }
}

func WithSnapshots(s SnapshotStore) Option {
	return func(e *Engine) { e.snapshots = s }
}

func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerts = a }
}

func NewEngine(limits Limits, led *ledger.Ledger, equity EquitySource, positions PositionSource, opts ...Option) *Engine {
	e := &Engine{
		limits:    limits,
		ledger:    led,
		equity:    equity,
		positions: positions,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore loads the persisted risk-state snapshot, if any. Call once at
// startup before the first evaluation.
func (e *Engine) Restore(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	state, ok, err := e.snapshots.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.log.Info().
		Bool("kill_switch", state.KillSwitchEngaged).
		Str("trading_day", state.TradingDay).
		Msg("restored risk state")
	return nil
}

// Evaluate applies the rule chain to action. The first triggering rule
// decides the outcome; every triggered reason is still recorded for audit.
// The decision is appended to the ledger before it is returned: a failed
// append invalidates the evaluation.
func (e *Engine) Evaluate(ctx context.Context, action types.Action) (types.PolicyOutcome, error) {
	if err := action.Validate(); err != nil {
		// Malformed actions are rejected before evaluation and never
		// recorded as policy decisions.
		return types.PolicyOutcome{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	equity, err := e.equity.CurrentEquity(ctx)
	if err != nil {
		return types.PolicyOutcome{}, fmt.Errorf("equity source: %w", err)
	}
	if equity.GreaterThan(e.state.EquityHighWaterMark) {
		e.state.EquityHighWaterMark = equity
	}
	if e.state.StartingEquity.IsZero() {
		e.state.StartingEquity = equity
	}

	outcome, engageKill, countOrder, evalErr := e.applyRules(ctx, action, now, equity)
	if evalErr != nil {
		return types.PolicyOutcome{}, evalErr
	}
	outcome.EvaluatedAt = now.Format(time.RFC3339Nano)

	newlyEngaged := engageKill && !e.state.KillSwitchEngaged
	if engageKill {
		e.state.KillSwitchEngaged = true
	}
	if countOrder && outcome.Allowed() {
		e.state.OrderTimestamps = append(e.state.OrderTimestamps, now.Format(time.RFC3339Nano))
	}

	if _, err := e.ledger.Append(ledger.EventPolicyDecision, "risk_engine", map[string]any{
		"kind":            string(action.Kind),
		"idempotency_key": action.IdempotencyKey,
		"decision":        string(outcome.Decision),
		"reasons":         outcome.Reasons,
		"daily_pnl":       e.state.DailyRealizedPnL.String(),
		"kill_switch":     e.state.KillSwitchEngaged,
	}); err != nil {
		return types.PolicyOutcome{}, err
	}

	if newlyEngaged {
		if _, err := e.ledger.Append(ledger.EventKillSwitchEngaged, "risk_engine", map[string]any{
			"idempotency_key": action.IdempotencyKey,
			"reasons":         outcome.Reasons,
		}); err != nil {
			return types.PolicyOutcome{}, err
		}
		e.raiseKillSwitchAlert(now, outcome.Reasons)
	}

	e.persistLocked(ctx)
	return outcome, nil
}

// applyRules runs the ordered rule chain. It returns the outcome, whether
// the kill switch must engage, and whether an allowed order should count
// against the rate window.
func (e *Engine) applyRules(ctx context.Context, action types.Action, now time.Time, equity decimal.Decimal) (types.PolicyOutcome, bool, bool, error) {
	var (
		reasons    []string
		decision   types.Decision
		decided    bool
		engageKill bool
	)

	trigger := func(reason string, d types.Decision) {
		reasons = append(reasons, reason)
		if !decided {
			decision = d
			decided = true
		}
	}

	// 1. Kill switch: orders are denied outright, governance actions still
	// reach an operator.
	if e.state.KillSwitchEngaged {
		if action.IsOrder() {
			trigger(ReasonKillSwitchEngaged, types.DecisionDeny)
		} else {
			trigger(ReasonKillSwitchEngaged, types.DecisionRequireApproval)
		}
	}

	if action.IsOrder() {
		intent, err := action.OrderIntent()
		if err != nil {
			return types.PolicyOutcome{}, false, false, err
		}

		// 2. Daily loss limit.
		projected := e.state.DailyRealizedPnL.Add(intent.ExpectedPnL)
		lossBudget := e.limits.MaxDailyLossPct.Mul(e.state.StartingEquity).Div(decimal.NewFromInt(100))
		if projected.IsNegative() && projected.Neg().GreaterThan(lossBudget) {
			trigger(ReasonDailyLossLimit, types.DecisionDeny)
			engageKill = true
		}

		// 3. Drawdown limit.
		if e.state.EquityHighWaterMark.IsPositive() {
			drawdownPct := e.state.EquityHighWaterMark.Sub(equity).
				Div(e.state.EquityHighWaterMark).
				Mul(decimal.NewFromInt(100))
			if drawdownPct.GreaterThan(e.limits.MaxDrawdownPct) {
				trigger(ReasonDrawdownLimit, types.DecisionDeny)
				engageKill = true
			}
		}

		// 4. Position concentration, symmetric for shorts: absolute
		// exposure after the order as a fraction of equity.
		if e.positions != nil && equity.IsPositive() {
			current, err := e.positions.CurrentPosition(ctx, intent.Symbol)
			if err != nil {
				return types.PolicyOutcome{}, false, false, fmt.Errorf("position source: %w", err)
			}
			delta := intent.Quantity
			if intent.Side == "sell" {
				delta = delta.Neg()
			}
			exposure := current.Add(delta).Mul(intent.Price).Abs()
			if exposure.GreaterThan(e.limits.MaxPositionFraction.Mul(equity)) {
				trigger(ReasonPositionConcentration, types.DecisionDeny)
			}
		}

		// 5. Order rate limit. Retryable once the window slides; never a
		// kill-switch condition.
		inWindow := e.state.pruneOrderWindow(now, e.limits.OrderRateWindow)
		if e.limits.OrderRateLimit > 0 && inWindow >= e.limits.OrderRateLimit {
			trigger(ReasonOrderRateExceeded, types.DecisionDeny)
		}
	}

	// 6. Governance-action policy.
	if action.IsGovernance() {
		if e.autoApproved(action.Kind) {
			trigger(ReasonGovernanceAuto, types.DecisionAllow)
		} else {
			trigger(ReasonGovernanceApproval, types.DecisionRequireApproval)
		}
	}

	// 7. Default.
	if !decided {
		trigger(ReasonDefaultAllow, types.DecisionAllow)
	}

	return types.PolicyOutcome{Decision: decision, Reasons: reasons}, engageKill, action.IsOrder(), nil
}

func (e *Engine) autoApproved(kind types.ActionKind) bool {
	switch kind {
	case types.ActionModelPromotion:
		return e.limits.AutoApprovePromotion
	case types.ActionRiskLimitChange:
		return e.limits.AutoApproveRiskChanges
	case types.ActionUniverseChange:
		return e.limits.AutoApproveUniverseChange
	default:
		return false
	}
}

// RecordFill folds a realized P&L delta into the daily counter after an
// executed order settles.
func (e *Engine) RecordFill(ctx context.Context, realizedPnL decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.DailyRealizedPnL = e.state.DailyRealizedPnL.Add(realizedPnL)
	e.persistLocked(ctx)
}

// KillSwitchEngaged reports the sticky halt flag.
func (e *Engine) KillSwitchEngaged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.KillSwitchEngaged
}

// Engage trips the kill switch outside rule evaluation (health breaches,
// operator order). Sticky until an approval-gated reset.
func (e *Engine) Engage(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.KillSwitchEngaged {
		return nil
	}
	if _, err := e.ledger.Append(ledger.EventKillSwitchEngaged, "risk_engine", map[string]any{
		"reasons": []string{reason},
	}); err != nil {
		return err
	}
	e.state.KillSwitchEngaged = true
	e.persistLocked(ctx)
	e.raiseKillSwitchAlert(e.now().UTC(), []string{reason})
	return nil
}

// ResetKillSwitch clears the halt flag. The engine never calls this itself;
// it is reserved for an approval-gated operator decision.
func (e *Engine) ResetKillSwitch(ctx context.Context, operator string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.KillSwitchEngaged {
		return nil
	}
	if _, err := e.ledger.Append(ledger.EventKillSwitchReset, operator, map[string]any{
		"previous": true,
	}); err != nil {
		return err
	}
	e.state.KillSwitchEngaged = false
	e.persistLocked(ctx)
	e.log.Warn().Str("operator", operator).Msg("kill switch reset")
	return nil
}

// ResetDaily rolls the counters over at a trading-day boundary: daily P&L
// and the order-rate window are cleared, starting equity is re-anchored.
// The kill switch survives rollover.
func (e *Engine) ResetDaily(ctx context.Context, tradingDay string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	equity, err := e.equity.CurrentEquity(ctx)
	if err != nil {
		return fmt.Errorf("equity source: %w", err)
	}

	if _, err := e.ledger.Append(ledger.EventDayRollover, "scheduler", map[string]any{
		"trading_day":     tradingDay,
		"starting_equity": equity.String(),
		"previous_pnl":    e.state.DailyRealizedPnL.String(),
	}); err != nil {
		return err
	}

	e.state.TradingDay = tradingDay
	e.state.DailyRealizedPnL = decimal.Zero
	e.state.OrderTimestamps = nil
	e.state.StartingEquity = equity
	if equity.GreaterThan(e.state.EquityHighWaterMark) {
		e.state.EquityHighWaterMark = equity
	}
	e.persistLocked(ctx)
	return nil
}

// TradingDay returns the day the counters were last reset for.
func (e *Engine) TradingDay() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.TradingDay
}

// Snapshot returns a copy of the current state for health queries.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

func (e *Engine) persistLocked(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.Save(ctx, e.state); err != nil {
		// The decision is already ledgered; counters degrade to the last
		// good snapshot on restart.
		e.log.Error().Err(err).Msg("persist risk state failed")
	}
}

func (e *Engine) raiseKillSwitchAlert(now time.Time, reasons []string) {
	if e.alerts == nil {
		return
	}
	alert := types.Alert{
		Level:     types.AlertCritical,
		Message:   "kill switch engaged",
		Context:   map[string]any{"reasons": reasons},
		Timestamp: now.Format(time.RFC3339Nano),
	}
	if err := e.alerts.Dispatch(alert); err != nil {
		e.log.Error().Err(err).Msg("kill switch alert dispatch failed")
	}
}
