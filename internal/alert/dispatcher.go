package alert

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/petralabs/riskgate/internal/store"
	"github.com/petralabs/riskgate/pkg/types"
)

// Dispatcher writes every alert to a durable, append-only per-severity file
// and, for warning and above, enqueues delivery to the configured outbound
// webhook targets. The durable write always takes precedence: outbound
// enqueue failures are logged, never surfaced to the caller.
type Dispatcher struct {
	mu    sync.Mutex
	files map[types.AlertLevel]*lumberjack.Logger

	db      *sql.DB
	targets []string
	now     func() time.Time
	log     zerolog.Logger
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log.With().Str("component", "alerts").Logger() }
}

// WithOutbox enables outbound webhook delivery through the durable outbox.
func WithOutbox(db *store.DB, targets []string) Option {
	return func(d *Dispatcher) {
		d.db = db.Handle()
		d.targets = targets
	}
}

func NewDispatcher(dir string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		files: make(map[types.AlertLevel]*lumberjack.Logger),
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, level := range []types.AlertLevel{types.AlertInfo, types.AlertWarning, types.AlertError, types.AlertCritical} {
		d.files[level] = &lumberjack.Logger{
			Filename:   filepath.Join(dir, fmt.Sprintf("alerts-%s.jsonl", level)),
			MaxSize:    50, // MB per file before rotation; rotated files are kept, never overwritten
			MaxBackups: 0,
			Compress:   true,
		}
	}
	return d
}

// Dispatch persists the alert. Fails only when the durable write fails.
func (d *Dispatcher) Dispatch(alert types.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp == "" {
		alert.Timestamp = d.now().UTC().Format(time.RFC3339Nano)
	}
	if alert.Level.Rank() < 0 {
		return fmt.Errorf("%w: unknown alert level %q", types.ErrValidation, alert.Level)
	}

	line, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	line = append(line, '\n')

	d.mu.Lock()
	_, err = d.files[alert.Level].Write(line)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("durable alert write: %w", err)
	}

	if alert.Level.Rank() >= types.AlertWarning.Rank() {
		d.enqueueOutbound(alert, line[:len(line)-1])
	}
	return nil
}

func (d *Dispatcher) enqueueOutbound(alert types.Alert, body []byte) {
	if d.db == nil || len(d.targets) == 0 {
		return
	}
	now := d.now().UTC().Format(time.RFC3339)
	for _, target := range d.targets {
		_, err := d.db.Exec(
			`INSERT INTO alert_outbox (notification_id, target, alert_json, status, attempt_count, next_attempt_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			uuid.NewString(), target, body, OutboxStatusPending, now, now, now)
		if err != nil {
			// Durability of the alert record takes precedence over delivery.
			d.log.Error().Err(err).Str("target", target).Str("alert_id", alert.ID).Msg("outbound enqueue failed")
		}
	}
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, f := range d.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
