// Package store is the embedded persistent store (§4.A): a single sqlite
// database file under the kernel's data directory, holding sessions,
// approval nonces, rate-limit counters and scheduled jobs. The kernel runs
// as a single embedded process against one data directory rather than a
// managed multi-tenant service (§3/§6), so a local sqlite file is the
// whole store — no connection pool or migration runner against a remote
// database is needed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection pool and owns schema migration at
// startup. There is no separate migration tool (golang-migrate requires a
// driver the kernel doesn't use) — schema application is idempotent
// CREATE TABLE IF NOT EXISTS statements run once on Open.
type Store struct {
	DB *sql.DB
}

// Open creates the data directory if needed, opens the sqlite database at
// dbPath, and applies the schema.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, serialize access at the connection-pool level

	s := &Store{DB: db}
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id         TEXT PRIMARY KEY,
	thread_key         TEXT NOT NULL,
	pool_key           TEXT NOT NULL,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	system_prompt_sent INTEGER NOT NULL DEFAULT 0,
	UNIQUE(thread_key, pool_key)
);
CREATE INDEX IF NOT EXISTS idx_sessions_thread_pool ON sessions(thread_key, pool_key);

CREATE TABLE IF NOT EXISTS approval_nonces (
	nonce      TEXT PRIMARY KEY,
	scope      TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_expires ON approval_nonces(expires_at);

CREATE TABLE IF NOT EXISTS cron_jobs (
	job_id         TEXT PRIMARY KEY,
	schedule_kind  TEXT NOT NULL,
	schedule_expr  TEXT NOT NULL,
	scope          TEXT NOT NULL,
	actor_id       TEXT NOT NULL,
	payload        TEXT NOT NULL,
	enabled        INTEGER NOT NULL DEFAULT 1,
	next_run_at_ms INTEGER,
	lease_owner    TEXT,
	lease_expires  INTEGER,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cron_next_run ON cron_jobs(enabled, next_run_at_ms);

CREATE TABLE IF NOT EXISTS cron_runs (
	run_id      TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	status      TEXT NOT NULL DEFAULT 'running',
	message     TEXT
);
CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_runs(job_id);

CREATE TABLE IF NOT EXISTS approval_redemptions (
	nonce        TEXT PRIMARY KEY,
	chat_id      TEXT NOT NULL,
	redeemed_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bans (
	actor_id   TEXT PRIMARY KEY,
	reason     TEXT,
	banned_at  INTEGER NOT NULL,
	banned_by  TEXT
);

CREATE TABLE IF NOT EXISTS memory_entries (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	content     TEXT NOT NULL,
	source      TEXT NOT NULL,
	trust       TEXT NOT NULL DEFAULT 'untrusted',
	promoted_at INTEGER,
	posted_at   INTEGER,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_category ON memory_entries(category);

CREATE TABLE IF NOT EXISTS identity_links (
	chat_id       TEXT PRIMARY KEY,
	local_user_id TEXT NOT NULL,
	linked_at     INTEGER NOT NULL,
	linked_by     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_link_codes (
	code          TEXT PRIMARY KEY,
	local_user_id TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_link_codes_expires ON pending_link_codes(expires_at);

CREATE TABLE IF NOT EXISTS totp_sessions (
	local_user_id TEXT PRIMARY KEY,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_totp_messages (
	chat_id    TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	body       TEXT NOT NULL,
	media_ref  TEXT,
	sender_ref TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_buckets (
	limiter_type TEXT NOT NULL,
	key          TEXT NOT NULL,
	window_kind  TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	points       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (limiter_type, key, window_kind)
);

CREATE TABLE IF NOT EXISTS circuit_state (
	name            TEXT PRIMARY KEY,
	state           TEXT NOT NULL DEFAULT 'closed',
	failure_count   INTEGER NOT NULL DEFAULT 0,
	success_count   INTEGER NOT NULL DEFAULT 0,
	last_failure_at INTEGER,
	next_attempt_at INTEGER
);
`

func (s *Store) applySchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}
