package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle shared by the approval gate, the idempotency
// tracker, the alert outbox, and risk-state snapshots. The ledger has its
// own append-only file and never goes through here.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	action_json BLOB NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	decided_at TEXT,
	decided_by TEXT,
	notes TEXT
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	key TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	owner TEXT NOT NULL,
	result_json BLOB,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_outbox (
	notification_id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	alert_json BLOB NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TEXT NOT NULL,
	last_error TEXT,
	sent_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	body_json BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Open opens (or creates) the sqlite database at dsn and applies the schema.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Serialized writes; WAL keeps readers unblocked during commits.
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

// Handle exposes the raw *sql.DB for the packages that own their tables.
func (s *DB) Handle() *sql.DB {
	return s.db
}
