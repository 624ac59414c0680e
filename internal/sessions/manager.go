package sessions

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("sessions: no session for this thread/pool")

// Session is one row of conversation state (§3).
type Session struct {
	SessionID        string
	ThreadKey        string
	PoolKey          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SystemPromptSent bool
}

// Manager resolves (thread_key, pool_key) to a session, lazily creating one
// on first use and never letting two pool keys share a session_id even when
// their thread keys collide.
type Manager struct {
	db *sql.DB
}

func New(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Get returns the existing session for (threadKey, poolKey), or ErrNotFound
// if none has been created yet.
func (m *Manager) Get(ctx context.Context, threadKey, poolKey string) (*Session, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT session_id, thread_key, pool_key, created_at, updated_at, system_prompt_sent
		 FROM sessions WHERE thread_key = ? AND pool_key = ?`,
		threadKey, poolKey,
	)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Upsert creates the session for (threadKey, poolKey) if none exists, or
// touches updated_at if one does, returning the (possibly new) session.
func (m *Manager) Upsert(ctx context.Context, threadKey, poolKey string) (*Session, error) {
	existing, err := m.Get(ctx, threadKey, poolKey)
	if err == nil {
		_, err = m.db.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
			time.Now().UnixMilli(), existing.SessionID,
		)
		if err != nil {
			return nil, err
		}
		existing.UpdatedAt = time.Now()
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		SessionID: uuid.NewString(),
		ThreadKey: threadKey,
		PoolKey:   poolKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, thread_key, pool_key, created_at, updated_at, system_prompt_sent)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		s.SessionID, s.ThreadKey, s.PoolKey, s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MarkSystemPromptSent records that the session's first turn has carried
// its system prompt, so later turns in the same session don't resend it.
func (m *Manager) MarkSystemPromptSent(ctx context.Context, sessionID string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE sessions SET system_prompt_sent = 1, updated_at = ? WHERE session_id = ?`,
		time.Now().UnixMilli(), sessionID,
	)
	return err
}

// Reset deletes the session row for (threadKey, poolKey). The next Get/
// Upsert call lazily creates a fresh session_id, severing any agent-runtime
// state keyed on the old one.
func (m *Manager) Reset(ctx context.Context, threadKey, poolKey string) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE thread_key = ? AND pool_key = ?`,
		threadKey, poolKey,
	)
	return err
}

// ListActive returns sessions updated within the given window, most
// recently updated first.
func (m *Manager) ListActive(ctx context.Context, within time.Duration) ([]*Session, error) {
	cutoff := time.Now().Add(-within).UnixMilli()
	rows, err := m.db.QueryContext(ctx,
		`SELECT session_id, thread_key, pool_key, created_at, updated_at, system_prompt_sent
		 FROM sessions WHERE updated_at >= ? ORDER BY updated_at DESC`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var createdMs, updatedMs int64
	var promptSent int
	if err := row.Scan(&s.SessionID, &s.ThreadKey, &s.PoolKey, &createdMs, &updatedMs, &promptSent); err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdMs)
	s.UpdatedAt = time.UnixMilli(updatedMs)
	s.SystemPromptSent = promptSent != 0
	return &s, nil
}

// overflowPatterns match agent-runtime error strings indicating the
// session's context window has been exceeded.
var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context_length_exceeded`),
	regexp.MustCompile(`(?i)prompt (is )?too long`),
	regexp.MustCompile(`(?i)context window`),
	regexp.MustCompile(`(?i)maximum context length`),
}

// IsContextOverflow reports whether errMsg looks like a context-overflow
// error from the agent runtime.
func IsContextOverflow(errMsg string) bool {
	for _, p := range overflowPatterns {
		if p.MatchString(errMsg) {
			return true
		}
	}
	return false
}

// RecoverFromOverflow deletes the session row so the caller can retry once
// against a fresh session_id. The caller is responsible for the actual
// retry; this only clears the poisoned state.
func (m *Manager) RecoverFromOverflow(ctx context.Context, threadKey, poolKey string) error {
	slog.Warn("sessions.context_overflow_recovery", "thread_key", threadKey, "pool_key", poolKey)
	return m.Reset(ctx, threadKey, poolKey)
}
