package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petralabs/riskgate/internal/ledger"
	"github.com/petralabs/riskgate/internal/store"
	"github.com/petralabs/riskgate/pkg/types"
)

var (
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyDecided rejects replayed decisions instead of silently
	// overwriting a terminal state.
	ErrAlreadyDecided = errors.New("approval request already decided")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is the durable governance record for an action awaiting a human
// decision. Terminal once decided; never deleted.
type Request struct {
	ID        string       `json:"id"`
	Action    types.Action `json:"action"`
	Status    Status       `json:"status"`
	CreatedAt string       `json:"created_at"`
	DecidedAt *string      `json:"decided_at,omitempty"`
	DecidedBy *string      `json:"decided_by,omitempty"`
	Notes     *string      `json:"notes,omitempty"`
}

// Alerter receives the operator-facing notification for a new request.
type Alerter interface {
	Dispatch(alert types.Alert) error
}

// Gate holds pending high-risk actions until an operator decides. Decisions
// are conditional updates guarded by the current status, so a double
// decision can never race its way in.
type Gate struct {
	db     *sql.DB
	ledger *ledger.Ledger
	alerts Alerter
	now    func() time.Time
	log    zerolog.Logger
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(g *Gate) { g.log = log.With().Str("component", "approval").Logger() }
}

func WithAlerter(a Alerter) Option {
	return func(g *Gate) { g.alerts = a }
}

func NewGate(db *store.DB, led *ledger.Ledger, opts ...Option) *Gate {
	g := &Gate{
		db:     db.Handle(),
		ledger: led,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit records a pending request for an action that evaluated to
// require_approval, ledgers it, and raises an operator alert.
func (g *Gate) Submit(ctx context.Context, action types.Action) (Request, error) {
	if err := action.Validate(); err != nil {
		return Request{}, err
	}

	req := Request{
		ID:        uuid.NewString(),
		Action:    action,
		Status:    StatusPending,
		CreatedAt: g.now().UTC().Format(time.RFC3339),
	}

	actionJSON, err := json.Marshal(action)
	if err != nil {
		return Request{}, fmt.Errorf("encode action: %w", err)
	}
	if _, err := g.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, action_json, status, created_at) VALUES (?, ?, ?, ?)`,
		req.ID, actionJSON, string(req.Status), req.CreatedAt); err != nil {
		return Request{}, fmt.Errorf("persist approval request: %w", err)
	}

	if _, err := g.ledger.Append(ledger.EventApprovalRequested, "approval_gate", map[string]any{
		"request_id":      req.ID,
		"kind":            string(action.Kind),
		"idempotency_key": action.IdempotencyKey,
	}); err != nil {
		return Request{}, err
	}

	if g.alerts != nil {
		alert := types.Alert{
			Level:   types.AlertInfo,
			Message: "approval requested",
			Context: map[string]any{
				"request_id": req.ID,
				"kind":       string(action.Kind),
			},
			Timestamp: req.CreatedAt,
		}
		if err := g.alerts.Dispatch(alert); err != nil {
			g.log.Error().Err(err).Str("request_id", req.ID).Msg("approval alert dispatch failed")
		}
	}

	g.log.Info().Str("request_id", req.ID).Str("kind", string(action.Kind)).Msg("approval requested")
	return req, nil
}

// Decide moves a pending request to its terminal state. Fails with
// ErrNotFound for unknown ids and ErrAlreadyDecided when the request is no
// longer pending.
func (g *Gate) Decide(ctx context.Context, requestID string, approve bool, operator, notes string) (Request, error) {
	if operator == "" {
		return Request{}, fmt.Errorf("%w: operator identity required", types.ErrValidation)
	}

	status := StatusRejected
	event := ledger.EventApprovalRejected
	if approve {
		status = StatusApproved
		event = ledger.EventApprovalGranted
	}
	decidedAt := g.now().UTC().Format(time.RFC3339)

	res, err := g.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, decided_at = ?, decided_by = ?, notes = ?
		 WHERE id = ? AND status = ?`,
		string(status), decidedAt, operator, notes, requestID, string(StatusPending))
	if err != nil {
		return Request{}, fmt.Errorf("persist decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Request{}, fmt.Errorf("persist decision: %w", err)
	}
	if affected == 0 {
		existing, getErr := g.Get(ctx, requestID)
		if getErr != nil {
			return Request{}, ErrNotFound
		}
		return existing, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, requestID, existing.Status)
	}

	if _, err := g.ledger.Append(event, operator, map[string]any{
		"request_id": requestID,
		"notes":      notes,
	}); err != nil {
		return Request{}, err
	}

	g.log.Info().
		Str("request_id", requestID).
		Str("status", string(status)).
		Str("operator", operator).
		Msg("approval decided")
	return g.Get(ctx, requestID)
}

// Get returns one request by id.
func (g *Gate) Get(ctx context.Context, requestID string) (Request, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT id, action_json, status, created_at, decided_at, decided_by, notes
		 FROM approval_requests WHERE id = ?`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return req, err
}

// ListPending returns a read-only snapshot of undecided requests, oldest
// first.
func (g *Gate) ListPending(ctx context.Context) ([]Request, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, action_json, status, created_at, decided_at, decided_by, notes
		 FROM approval_requests WHERE status = ? ORDER BY created_at, id`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(row scannable) (Request, error) {
	var (
		req        Request
		actionJSON []byte
		status     string
	)
	if err := row.Scan(&req.ID, &actionJSON, &status, &req.CreatedAt, &req.DecidedAt, &req.DecidedBy, &req.Notes); err != nil {
		return Request{}, err
	}
	req.Status = Status(status)
	if err := json.Unmarshal(actionJSON, &req.Action); err != nil {
		return Request{}, fmt.Errorf("decode action: %w", err)
	}
	return req, nil
}
