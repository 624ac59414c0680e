// Package circuit implements a per-dependency circuit breaker (§4.D):
// closed -> open on N consecutive failures, open -> half_open after a
// reset timeout, half_open -> closed after a success threshold or back to
// open on any half-open failure. State is persisted to the Store so it is
// shared across processes (§5), not just held in the breaker's own memory.
package circuit

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return Open
	case "half_open":
		return HalfOpen
	default:
		return Closed
	}
}

// Config configures one breaker. Zero values are replaced with defaults.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker guards calls to a single named external dependency. Its state is
// mirrored to the Store on every transition; db may be nil for a purely
// in-process breaker (tests, or call sites that don't share a database).
type Breaker struct {
	name string
	db   *sql.DB
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastStateChange time.Time
}

// New constructs an in-process-only breaker (no cross-process persistence).
// Most callers should go through Registry, which wires persistence.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed, lastStateChange: time.Now()}
}

func newPersisted(db *sql.DB, name string, cfg Config) *Breaker {
	b := &Breaker{name: name, db: db, cfg: cfg.withDefaults(), state: Closed, lastStateChange: time.Now()}
	b.loadLocked(context.Background())
	return b
}

func (b *Breaker) loadLocked(ctx context.Context) {
	if b.db == nil {
		return
	}
	var state string
	var failureCount int
	var nextAttemptMs sql.NullInt64
	err := b.db.QueryRowContext(ctx,
		`SELECT state, failure_count, next_attempt_at FROM circuit_state WHERE name = ?`, b.name,
	).Scan(&state, &failureCount, &nextAttemptMs)
	if err != nil {
		if err != sql.ErrNoRows {
			slog.Warn("circuit.load_failed", "name", b.name, "error", err)
		}
		return
	}
	b.state = parseState(state)
	b.failureCount = failureCount
	if nextAttemptMs.Valid {
		// lastStateChange + ResetTimeout == next_attempt_at, so back it out.
		b.lastStateChange = time.UnixMilli(nextAttemptMs.Int64).Add(-b.cfg.ResetTimeout)
	}
}

func (b *Breaker) persistLocked() {
	if b.db == nil {
		return
	}
	var nextAttempt sql.NullInt64
	if b.state == Open {
		nextAttempt = sql.NullInt64{Int64: b.lastStateChange.Add(b.cfg.ResetTimeout).UnixMilli(), Valid: true}
	}
	var lastFailure sql.NullInt64
	if b.failureCount > 0 {
		lastFailure = sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true}
	}
	_, err := b.db.ExecContext(context.Background(),
		`INSERT INTO circuit_state (name, state, failure_count, success_count, last_failure_at, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET state = excluded.state, failure_count = excluded.failure_count,
		 	success_count = excluded.success_count, last_failure_at = excluded.last_failure_at,
		 	next_attempt_at = excluded.next_attempt_at`,
		b.name, b.state.String(), b.failureCount, b.successCount, lastFailure, nextAttempt,
	)
	if err != nil {
		slog.Warn("circuit.persist_failed", "name", b.name, "error", err)
	}
}

// Allow reports whether a call may proceed. In the Open state it also
// performs the Open->HalfOpen transition once the reset timeout elapses.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastStateChange) > b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.successCount = 0
			b.failureCount = 0
			b.lastStateChange = time.Now()
			b.persistLocked()
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.successCount = 0
			b.lastStateChange = time.Now()
		}
	}
	b.persistLocked()
}

// RecordFailure reports a failed call. Any timeout that exceeds the
// caller's bounded latency budget (e.g. the LLM observer's call) counts as
// a failure here, per §4.D.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.successCount = 0

	switch b.state {
	case Closed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
			b.lastStateChange = time.Now()
		}
	case HalfOpen:
		b.state = Open
		b.lastStateChange = time.Now()
	}
	b.persistLocked()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = time.Now()
	b.persistLocked()
}

// Registry keys breakers by dependency name, creating them lazily with a
// shared config (e.g. one breaker per provider/channel the broker dials out
// to) and backing each by the same Store so breaker state survives a
// restart and is visible to any other process sharing the database.
type Registry struct {
	mu       sync.Mutex
	db       *sql.DB
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry constructs a registry. db may be nil for an in-process-only
// registry (tests).
func NewRegistry(db *sql.DB, cfg Config) *Registry {
	return &Registry{db: db, cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newPersisted(r.db, name, r.cfg)
		r.breakers[name] = b
	}
	return b
}
