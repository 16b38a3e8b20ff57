package account

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the account state the external pipeline publishes for the
// governance core: equity, the internally tracked book, and the broker's
// view of the book for drift comparison. Amounts are decimal strings.
type Snapshot struct {
	Equity          decimal.Decimal            `json:"equity"`
	Positions       map[string]decimal.Decimal `json:"positions"`
	BrokerPositions map[string]decimal.Decimal `json:"broker_positions"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// FileSource reads the pipeline-published account snapshot from a JSON
// file. It satisfies the equity, position, freshness, and broker-position
// capability contracts consumed by the risk engine and health monitor.
// Reads are cached briefly so one tick does not re-read the file per rule.
type FileSource struct {
	path string

	mu       sync.Mutex
	cached   Snapshot
	cachedAt time.Time
	maxAge   time.Duration
	now      func() time.Time
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, maxAge: time.Second, now: time.Now}
}

func (s *FileSource) load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.cachedAt.IsZero() && now.Sub(s.cachedAt) < s.maxAge {
		return s.cached, nil
	}

	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("account snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("account snapshot: %w", err)
	}
	s.cached = snap
	s.cachedAt = now
	return snap, nil
}

func (s *FileSource) CurrentEquity(context.Context) (decimal.Decimal, error) {
	snap, err := s.load()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return snap.Equity, nil
}

func (s *FileSource) CurrentPosition(_ context.Context, symbol string) (decimal.Decimal, error) {
	snap, err := s.load()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return snap.Positions[symbol], nil
}

func (s *FileSource) LastUpdateTimestamp(context.Context) (time.Time, error) {
	snap, err := s.load()
	if err != nil {
		return time.Time{}, err
	}
	return snap.UpdatedAt, nil
}

func (s *FileSource) GetPositions(context.Context) (map[string]decimal.Decimal, error) {
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	return snap.BrokerPositions, nil
}
