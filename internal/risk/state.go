package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petralabs/riskgate/internal/store"
)

// State holds the running risk counters. Owned exclusively by one Engine;
// all mutation happens inside the engine's critical section.
type State struct {
	TradingDay          string          `json:"trading_day"`
	StartingEquity      decimal.Decimal `json:"starting_equity"`
	DailyRealizedPnL    decimal.Decimal `json:"daily_realized_pnl"`
	EquityHighWaterMark decimal.Decimal `json:"equity_high_water_mark"`
	OrderTimestamps     []string        `json:"order_timestamps,omitempty"`
	KillSwitchEngaged   bool            `json:"kill_switch_engaged"`
}

func (s State) clone() State {
	out := s
	out.OrderTimestamps = append([]string(nil), s.OrderTimestamps...)
	return out
}

// pruneOrderWindow drops order timestamps older than the rolling window and
// returns the count of those remaining.
func (s *State) pruneOrderWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	kept := s.OrderTimestamps[:0]
	for _, raw := range s.OrderTimestamps {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		if ts.After(cutoff) {
			kept = append(kept, raw)
		}
	}
	s.OrderTimestamps = kept
	return len(kept)
}

// SnapshotStore persists risk-state counters across process restarts.
type SnapshotStore interface {
	Save(ctx context.Context, state State) error
	Load(ctx context.Context) (State, bool, error)
}

// SQLSnapshots stores the risk-state snapshot in the shared sqlite database.
type SQLSnapshots struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLSnapshots(db *store.DB) *SQLSnapshots {
	return &SQLSnapshots{db: db.Handle(), now: time.Now}
}

func (s *SQLSnapshots) Save(ctx context.Context, state State) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode risk state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO risk_state (id, body_json, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body_json = excluded.body_json, updated_at = excluded.updated_at`,
		body, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

func (s *SQLSnapshots) Load(ctx context.Context) (State, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body_json FROM risk_state WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load risk state: %w", err)
	}
	var state State
	if err := json.Unmarshal(body, &state); err != nil {
		return State{}, false, fmt.Errorf("decode risk state: %w", err)
	}
	return state, true, nil
}
