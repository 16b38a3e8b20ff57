package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/petralabs/riskgate/internal/store"
	"github.com/petralabs/riskgate/pkg/types"
)

const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
)

// Poster delivers one alert to one outbound target.
type Poster interface {
	Post(ctx context.Context, target string, alert types.Alert) error
}

type outboxRow struct {
	NotificationID string
	Target         string
	AlertJSON      []byte
	AttemptCount   int
}

// ProcessOutboxDue sends due pending notifications and applies exponential
// backoff when posting fails. Returns the number of rows processed.
func ProcessOutboxDue(ctx context.Context, db *store.DB, poster Poster, now time.Time, limit int) (int, error) {
	if poster == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}
	h := db.Handle()

	rows, err := h.QueryContext(ctx,
		`SELECT notification_id, target, alert_json, attempt_count FROM alert_outbox
		 WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`,
		OutboxStatusPending, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}
	var due []outboxRow
	for rows.Next() {
		var rec outboxRow
		if err := rows.Scan(&rec.NotificationID, &rec.Target, &rec.AlertJSON, &rec.AttemptCount); err != nil {
			_ = rows.Close()
			return 0, err
		}
		due = append(due, rec)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		var a types.Alert
		if err := json.Unmarshal(rec.AlertJSON, &a); err != nil {
			// Bad payload; mark as sent to prevent infinite retries.
			msg := "invalid alert_json: " + err.Error()
			if err := markSent(ctx, h, rec.NotificationID, now, &msg); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := poster.Post(ctx, rec.Target, a); err != nil {
			next := nextAttempt(rec.AttemptCount)
			msg := err.Error()
			if _, uerr := h.ExecContext(ctx,
				`UPDATE alert_outbox SET attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
				 WHERE notification_id = ?`,
				now.UTC().Add(next).Format(time.RFC3339), msg, now.UTC().Format(time.RFC3339), rec.NotificationID); uerr != nil {
				return processed, uerr
			}
			processed++
			continue
		}

		if err := markSent(ctx, h, rec.NotificationID, now, nil); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func markSent(ctx context.Context, h *sql.DB, notificationID string, now time.Time, lastError *string) error {
	sentAt := now.UTC().Format(time.RFC3339)
	_, err := h.ExecContext(ctx,
		`UPDATE alert_outbox SET status = ?, sent_at = ?, last_error = COALESCE(?, last_error), updated_at = ?
		 WHERE notification_id = ?`,
		OutboxStatusSent, sentAt, lastError, sentAt, notificationID)
	return err
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, ... capped at 5m. The shift is clamped so a
	// long-dead target cannot overflow the duration into the past.
	const (
		base    = 5 * time.Second
		ceiling = 5 * time.Minute
	)
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 6 {
		return ceiling
	}
	d := base << attemptCount
	if d > ceiling {
		return ceiling
	}
	return d
}

// RunOutboxWorker polls and processes due outbound notifications until ctx
// is cancelled.
func RunOutboxWorker(ctx context.Context, db *store.DB, poster Poster, pollInterval time.Duration, log zerolog.Logger) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := ProcessOutboxDue(ctx, db, poster, now, 25); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("alert outbox pass failed")
			}
		}
	}
}
