package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/petralabs/riskgate/pkg/types"
)

// FreshnessSource reports when market data was last updated.
type FreshnessSource interface {
	LastUpdateTimestamp(ctx context.Context) (time.Time, error)
}

// BrokerPositions supplies the broker-side position snapshot, used only for
// drift comparison.
type BrokerPositions interface {
	GetPositions(ctx context.Context) (map[string]decimal.Decimal, error)
}

// PositionSource supplies the internally tracked position for a symbol.
type PositionSource interface {
	CurrentPosition(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// KillSwitchState reports whether the policy engine's halt flag is set.
type KillSwitchState interface {
	KillSwitchEngaged() bool
}

type Config struct {
	StalenessThreshold time.Duration
	DriftTolerancePct  decimal.Decimal
}

// Monitor runs the health checks. Check never mutates state, so it is safe
// to call both from the scheduler loop and on demand from the operator API.
type Monitor struct {
	cfg        Config
	freshness  FreshnessSource
	broker     BrokerPositions
	positions  PositionSource
	killSwitch KillSwitchState
	now        func() time.Time
	log        zerolog.Logger
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(m *Monitor) { m.log = log.With().Str("component", "health").Logger() }
}

func NewMonitor(cfg Config, freshness FreshnessSource, broker BrokerPositions, positions PositionSource, killSwitch KillSwitchState, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		freshness:  freshness,
		broker:     broker,
		positions:  positions,
		killSwitch: killSwitch,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check runs every configured probe and returns zero or more alerts. The
// kill-switch alert repeats on every check until the switch is cleared;
// operators must see it persist.
func (m *Monitor) Check(ctx context.Context) []types.Alert {
	now := m.now().UTC()
	var alerts []types.Alert

	if a := m.checkStaleness(ctx, now); a != nil {
		alerts = append(alerts, *a)
	}
	alerts = append(alerts, m.checkDrift(ctx, now)...)
	if m.killSwitch != nil && m.killSwitch.KillSwitchEngaged() {
		alerts = append(alerts, types.Alert{
			Level:     types.AlertCritical,
			Message:   "kill switch engaged",
			Context:   map[string]any{"check": "kill_switch"},
			Timestamp: now.Format(time.RFC3339Nano),
		})
	}
	return alerts
}

// Breach reports whether an alert demands a trading halt, and the
// kill-switch reason to engage with. Confirmed position drift means orders
// are being sized against a book the broker disagrees with; staleness and
// source outages alert operators but do not halt trading on their own.
func Breach(a types.Alert) (string, bool) {
	if a.Level != types.AlertError {
		return "", false
	}
	if a.Context["check"] != "position_drift" {
		return "", false
	}
	if _, ok := a.Context["symbol"]; !ok {
		// Snapshot unavailable: no confirmed divergence.
		return "", false
	}
	return "position_drift", true
}

func (m *Monitor) checkStaleness(ctx context.Context, now time.Time) *types.Alert {
	if m.freshness == nil || m.cfg.StalenessThreshold <= 0 {
		return nil
	}
	last, err := m.freshness.LastUpdateTimestamp(ctx)
	if err != nil {
		return &types.Alert{
			Level:     types.AlertError,
			Message:   "data freshness source unavailable",
			Context:   map[string]any{"check": "data_staleness", "error": err.Error()},
			Timestamp: now.Format(time.RFC3339Nano),
		}
	}

	age := now.Sub(last)
	if age <= m.cfg.StalenessThreshold {
		return nil
	}

	level := types.AlertWarning
	if age > 2*m.cfg.StalenessThreshold {
		level = types.AlertError
	}
	return &types.Alert{
		Level:   level,
		Message: "market data is stale",
		Context: map[string]any{
			"check":       "data_staleness",
			"age_seconds": int64(age.Seconds()),
			"threshold":   m.cfg.StalenessThreshold.String(),
		},
		Timestamp: now.Format(time.RFC3339Nano),
	}
}

func (m *Monitor) checkDrift(ctx context.Context, now time.Time) []types.Alert {
	if m.broker == nil || m.positions == nil {
		return nil
	}
	brokerPositions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return []types.Alert{{
			Level:     types.AlertError,
			Message:   "broker position snapshot unavailable",
			Context:   map[string]any{"check": "position_drift", "error": err.Error()},
			Timestamp: now.Format(time.RFC3339Nano),
		}}
	}

	var alerts []types.Alert
	for symbol, brokerQty := range brokerPositions {
		internal, err := m.positions.CurrentPosition(ctx, symbol)
		if err != nil {
			m.log.Error().Err(err).Str("symbol", symbol).Msg("position lookup failed during drift check")
			continue
		}
		if !m.drifted(brokerQty, internal) {
			continue
		}
		alerts = append(alerts, types.Alert{
			Level:   types.AlertError,
			Message: fmt.Sprintf("position drift on %s", symbol),
			Context: map[string]any{
				"check":    "position_drift",
				"symbol":   symbol,
				"broker":   brokerQty.String(),
				"internal": internal.String(),
			},
			Timestamp: now.Format(time.RFC3339Nano),
		})
	}
	return alerts
}

// drifted compares |broker-internal|/|internal| against the tolerance. A
// nonzero broker position against a flat internal book is always drift.
func (m *Monitor) drifted(broker, internal decimal.Decimal) bool {
	diff := broker.Sub(internal).Abs()
	if diff.IsZero() {
		return false
	}
	if internal.IsZero() {
		return true
	}
	pct := diff.Div(internal.Abs()).Mul(decimal.NewFromInt(100))
	return pct.GreaterThan(m.cfg.DriftTolerancePct)
}
