package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petralabs/riskgate/pkg/types"
)

type stubFreshness struct {
	last time.Time
	err  error
}

func (s stubFreshness) LastUpdateTimestamp(context.Context) (time.Time, error) {
	return s.last, s.err
}

type stubBroker struct {
	positions map[string]decimal.Decimal
	err       error
}

func (s stubBroker) GetPositions(context.Context) (map[string]decimal.Decimal, error) {
	return s.positions, s.err
}

type stubPositions map[string]decimal.Decimal

func (s stubPositions) CurrentPosition(_ context.Context, symbol string) (decimal.Decimal, error) {
	return s[symbol], nil
}

type stubKillSwitch bool

func (s stubKillSwitch) KillSwitchEngaged() bool { return bool(s) }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testConfig() Config {
	return Config{
		StalenessThreshold: time.Minute,
		DriftTolerancePct:  decimal.NewFromInt(1),
	}
}

func alertsByCheck(alerts []types.Alert) map[string][]types.Alert {
	out := make(map[string][]types.Alert)
	for _, a := range alerts {
		check, _ := a.Context["check"].(string)
		out[check] = append(out[check], a)
	}
	return out
}

func TestCheckAllHealthy(t *testing.T) {
	now := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)
	m := NewMonitor(testConfig(),
		stubFreshness{last: now.Add(-10 * time.Second)},
		stubBroker{positions: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(100)}},
		stubPositions{"AAPL": decimal.NewFromInt(100)},
		stubKillSwitch(false),
		WithClock(fixedClock(now)))

	assert.Empty(t, m.Check(context.Background()))
}

func TestStalenessEscalatesWithAge(t *testing.T) {
	now := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		age   time.Duration
		level types.AlertLevel
	}{
		{"just over threshold", 90 * time.Second, types.AlertWarning},
		{"over twice threshold", 3 * time.Minute, types.AlertError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMonitor(testConfig(),
				stubFreshness{last: now.Add(-tc.age)}, nil, nil, stubKillSwitch(false),
				WithClock(fixedClock(now)))

			alerts := m.Check(context.Background())
			require.Len(t, alerts, 1)
			assert.Equal(t, tc.level, alerts[0].Level)
			assert.Equal(t, "data_staleness", alerts[0].Context["check"])
		})
	}
}

func TestStalenessSourceFailureIsAnError(t *testing.T) {
	now := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)
	m := NewMonitor(testConfig(),
		stubFreshness{err: errors.New("feed down")}, nil, nil, stubKillSwitch(false),
		WithClock(fixedClock(now)))

	alerts := m.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertError, alerts[0].Level)
}

func TestDriftDetection(t *testing.T) {
	now := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)

	t.Run("within tolerance", func(t *testing.T) {
		m := NewMonitor(testConfig(), nil,
			stubBroker{positions: map[string]decimal.Decimal{"AAPL": decimal.RequireFromString("100.5")}},
			stubPositions{"AAPL": decimal.NewFromInt(100)},
			stubKillSwitch(false), WithClock(fixedClock(now)))

		assert.Empty(t, m.Check(context.Background()))
	})

	t.Run("beyond tolerance", func(t *testing.T) {
		m := NewMonitor(testConfig(), nil,
			stubBroker{positions: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(110)}},
			stubPositions{"AAPL": decimal.NewFromInt(100)},
			stubKillSwitch(false), WithClock(fixedClock(now)))

		alerts := m.Check(context.Background())
		require.Len(t, alerts, 1)
		assert.Equal(t, types.AlertError, alerts[0].Level)
		assert.Equal(t, "AAPL", alerts[0].Context["symbol"])
	})

	t.Run("flat internal book with nonzero broker position", func(t *testing.T) {
		m := NewMonitor(testConfig(), nil,
			stubBroker{positions: map[string]decimal.Decimal{"TSLA": decimal.NewFromInt(5)}},
			stubPositions{},
			stubKillSwitch(false), WithClock(fixedClock(now)))

		alerts := m.Check(context.Background())
		require.Len(t, alerts, 1)
		assert.Equal(t, "position_drift", alerts[0].Context["check"])
	})

	t.Run("both flat is not drift", func(t *testing.T) {
		m := NewMonitor(testConfig(), nil,
			stubBroker{positions: map[string]decimal.Decimal{"TSLA": decimal.Zero}},
			stubPositions{},
			stubKillSwitch(false), WithClock(fixedClock(now)))

		assert.Empty(t, m.Check(context.Background()))
	})
}

func TestBrokerFailureIsAnError(t *testing.T) {
	now := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)
	m := NewMonitor(testConfig(), nil,
		stubBroker{err: errors.New("broker timeout")},
		stubPositions{},
		stubKillSwitch(false), WithClock(fixedClock(now)))

	alerts := m.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertError, alerts[0].Level)
	assert.Equal(t, "position_drift", alerts[0].Context["check"])
}

func TestBreachClassification(t *testing.T) {
	now := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)

	t.Run("confirmed drift is a breach", func(t *testing.T) {
		m := NewMonitor(testConfig(), nil,
			stubBroker{positions: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(110)}},
			stubPositions{"AAPL": decimal.NewFromInt(100)},
			stubKillSwitch(false), WithClock(fixedClock(now)))

		alerts := m.Check(context.Background())
		require.Len(t, alerts, 1)
		reason, halt := Breach(alerts[0])
		assert.True(t, halt)
		assert.Equal(t, "position_drift", reason)
	})

	t.Run("broker outage is not a breach", func(t *testing.T) {
		m := NewMonitor(testConfig(), nil,
			stubBroker{err: errors.New("broker timeout")},
			stubPositions{},
			stubKillSwitch(false), WithClock(fixedClock(now)))

		alerts := m.Check(context.Background())
		require.Len(t, alerts, 1)
		_, halt := Breach(alerts[0])
		assert.False(t, halt)
	})

	t.Run("staleness is not a breach", func(t *testing.T) {
		m := NewMonitor(testConfig(),
			stubFreshness{last: now.Add(-3 * time.Minute)}, nil, nil,
			stubKillSwitch(false), WithClock(fixedClock(now)))

		alerts := m.Check(context.Background())
		require.Len(t, alerts, 1)
		require.Equal(t, types.AlertError, alerts[0].Level)
		_, halt := Breach(alerts[0])
		assert.False(t, halt)
	})

	t.Run("kill switch alert is not itself a breach", func(t *testing.T) {
		m := NewMonitor(testConfig(), nil, nil, nil, stubKillSwitch(true),
			WithClock(fixedClock(now)))

		alerts := m.Check(context.Background())
		require.Len(t, alerts, 1)
		_, halt := Breach(alerts[0])
		assert.False(t, halt)
	})
}

func TestKillSwitchAlertRepeatsEveryCheck(t *testing.T) {
	now := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)
	m := NewMonitor(testConfig(), nil, nil, nil, stubKillSwitch(true),
		WithClock(fixedClock(now)))

	for i := 0; i < 3; i++ {
		alerts := m.Check(context.Background())
		byCheck := alertsByCheck(alerts)
		require.Len(t, byCheck["kill_switch"], 1, "check %d", i)
		assert.Equal(t, types.AlertCritical, byCheck["kill_switch"][0].Level)
	}
}
