package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petralabs/riskgate/internal/store"
)

var (
	// ErrDuplicateCompletion is returned when Complete is called for a key
	// that is not in flight.
	ErrDuplicateCompletion = errors.New("idempotency key already completed")

	// ErrUnknownOutcome marks a key claimed by a previous process run that
	// never completed. It is never silently re-claimable; the caller must
	// reconcile against the ledger and broker state.
	ErrUnknownOutcome = errors.New("idempotency key has unknown outcome, reconciliation required")

	errStorage = errors.New("idempotency storage fault")
)

const (
	statusInFlight  = "in_flight"
	statusCompleted = "completed"
)

// Claim is the at-most-once gate result. Exactly one caller per key gets
// FirstClaim; everyone else receives the cached result of that execution.
type Claim struct {
	FirstClaim   bool
	CachedResult json.RawMessage
}

// Tracker deduplicates action submissions by idempotency key. Claims are
// resolved by a conditional insert against sqlite; concurrent in-process
// losers block on the winner's completion instead of re-executing.
type Tracker struct {
	db    *sql.DB
	owner string
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Tracker) { t.log = log.With().Str("component", "idempotency").Logger() }
}

func New(db *store.DB, ttl time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		db:      db.Handle(),
		owner:   uuid.NewString(),
		ttl:     ttl,
		now:     time.Now,
		log:     zerolog.Nop(),
		waiters: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Claim resolves the at-most-once gate for key. The first caller receives
// FirstClaim=true and must execute then call Complete. Concurrent callers
// block until the winner completes, then receive the cached result. A key
// left in flight by a previous process run yields ErrUnknownOutcome.
func (t *Tracker) Claim(ctx context.Context, key string) (Claim, error) {
	for {
		claim, wait, err := t.tryClaim(ctx, key)
		if err != nil {
			return Claim{}, err
		}
		if wait == nil {
			return claim, nil
		}

		select {
		case <-ctx.Done():
			return Claim{}, ctx.Err()
		case <-wait:
			// Winner completed; loop to read the cached result.
		}
	}
}

func (t *Tracker) tryClaim(ctx context.Context, key string) (Claim, <-chan struct{}, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, nil, fmt.Errorf("%w: begin: %v", errStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := t.now().UTC()

	var (
		status string
		owner  string
		result sql.NullString
		expiry string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, owner, result_json, expires_at FROM idempotency_records WHERE key = ?`, key).
		Scan(&status, &owner, &result, &expiry)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return t.insertClaim(ctx, tx, key, now)
	case err != nil:
		return Claim{}, nil, fmt.Errorf("%w: select: %v", errStorage, err)
	}

	switch status {
	case statusCompleted:
		// Expiry is cleanup-only, but an expired completed key is again
		// claimable as a fresh intent.
		if expiresAt, perr := time.Parse(time.RFC3339, expiry); perr == nil && now.After(expiresAt) {
			if _, derr := tx.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ?`, key); derr != nil {
				return Claim{}, nil, fmt.Errorf("%w: expire: %v", errStorage, derr)
			}
			return t.insertClaim(ctx, tx, key, now)
		}
		if cerr := tx.Commit(); cerr != nil {
			return Claim{}, nil, fmt.Errorf("%w: commit: %v", errStorage, cerr)
		}
		return Claim{CachedResult: json.RawMessage(result.String)}, nil, nil

	case statusInFlight:
		if owner != t.owner {
			// Claimed by a process run that died before completing.
			return Claim{}, nil, fmt.Errorf("%w: key %s", ErrUnknownOutcome, key)
		}
		if cerr := tx.Commit(); cerr != nil {
			return Claim{}, nil, fmt.Errorf("%w: commit: %v", errStorage, cerr)
		}
		t.mu.Lock()
		wait, ok := t.waiters[key]
		t.mu.Unlock()
		if !ok {
			// Completion raced the waiter lookup; retry the read.
			closed := make(chan struct{})
			close(closed)
			return Claim{}, closed, nil
		}
		return Claim{}, wait, nil

	default:
		return Claim{}, nil, fmt.Errorf("%w: unexpected status %q for key %s", errStorage, status, key)
	}
}

func (t *Tracker) insertClaim(ctx context.Context, tx *sql.Tx, key string, now time.Time) (Claim, <-chan struct{}, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_records (key, status, owner, result_json, created_at, expires_at)
		 VALUES (?, ?, ?, NULL, ?, ?)`,
		key, statusInFlight, t.owner,
		now.Format(time.RFC3339), now.Add(t.ttl).Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a concurrent race for the same key; retry the read.
			closed := make(chan struct{})
			close(closed)
			return Claim{}, closed, nil
		}
		return Claim{}, nil, fmt.Errorf("%w: insert claim: %v", errStorage, err)
	}

	// Register the waiter before the claim becomes visible so any caller
	// that observes in_flight finds a channel that Complete will close.
	t.mu.Lock()
	if _, ok := t.waiters[key]; !ok {
		t.waiters[key] = make(chan struct{})
	}
	t.mu.Unlock()

	if err := tx.Commit(); err != nil {
		t.mu.Lock()
		delete(t.waiters, key)
		t.mu.Unlock()
		return Claim{}, nil, fmt.Errorf("%w: commit claim: %v", errStorage, err)
	}

	return Claim{FirstClaim: true}, nil, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE")
}

// Complete records the result of the first execution and wakes any callers
// blocked on the same key.
func (t *Tracker) Complete(ctx context.Context, key string, result json.RawMessage) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = ?, result_json = ? WHERE key = ? AND status = ? AND owner = ?`,
		statusCompleted, []byte(result), key, statusInFlight, t.owner)
	if err != nil {
		return fmt.Errorf("%w: complete: %v", errStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: complete: %v", errStorage, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: key %s", ErrDuplicateCompletion, key)
	}

	t.mu.Lock()
	if wait, ok := t.waiters[key]; ok {
		close(wait)
		delete(t.waiters, key)
	}
	t.mu.Unlock()
	return nil
}

// PurgeExpired removes completed records past their TTL. In-flight claims
// are never purged regardless of age.
func (t *Tracker) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE status = ? AND expires_at < ?`,
		statusCompleted, t.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", errStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", errStorage, err)
	}
	if n > 0 {
		t.log.Debug().Int64("purged", n).Msg("purged expired idempotency records")
	}
	return n, nil
}
