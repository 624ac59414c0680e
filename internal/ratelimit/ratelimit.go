// Package ratelimit implements the kernel's multi-bucket rate limiter
// (§4.C): a token bucket (via golang.org/x/time/rate) for burst smoothing,
// layered with hard hour/day quotas persisted in the Store so the quota
// survives a restart and is visible to any other process reading the same
// database (§5: "the Store is the only shared mutable state across
// components"). Tracked-actor state is bounded in memory, with the same
// eviction strategy used by the channel-ingress webhook limiter
// (internal/channels/ratelimit.go), to prevent memory exhaustion from an
// attacker rotating actor IDs.
package ratelimit

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxTrackedActors = 4096

// Config mirrors internal/config.RateLimitConfig.
type Config struct {
	PerMinuteBurst int
	PerMinuteRate  float64
	PerHourQuota   int
	PerDayQuota    int
}

type window struct {
	start time.Time
	count int
}

type actorBuckets struct {
	limiter *rate.Limiter
	hour    window
	day     window
	lastUse time.Time
}

// Limiter tracks one token bucket plus hour/day windows per actor, scoped
// to a single category (e.g. "chat-global", "chat-per-user",
// "capability-per-user", "proactive-post" — §3's Rate Bucket
// limiter_type). Callers wanting several independent categories construct
// one Limiter per category, as the spec's bucket categories are
// independent quotas, not layers of the same quota.
type Limiter struct {
	db       *sql.DB // optional; nil means in-memory only (used in tests)
	category string
	cfg      Config

	mu      sync.Mutex
	buckets map[string]*actorBuckets
}

// New constructs a Limiter for category, persisting hour/day quota state
// through db. db may be nil for a purely in-process limiter (tests, or a
// category that doesn't need cross-process durability).
func New(db *sql.DB, category string, cfg Config) *Limiter {
	if cfg.PerMinuteBurst <= 0 {
		cfg.PerMinuteBurst = 20
	}
	if cfg.PerMinuteRate <= 0 {
		cfg.PerMinuteRate = 0.33
	}
	if cfg.PerHourQuota <= 0 {
		cfg.PerHourQuota = 300
	}
	if cfg.PerDayQuota <= 0 {
		cfg.PerDayQuota = 2000
	}
	return &Limiter{db: db, category: category, cfg: cfg, buckets: make(map[string]*actorBuckets)}
}

// Reason explains why Allow returned false.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonBurst     Reason = "burst_exceeded"
	ReasonHourQuota Reason = "hour_quota_exceeded"
	ReasonDayQuota  Reason = "day_quota_exceeded"
)

// Allow reports whether actor may proceed now, consuming one unit of quota
// if so. Tracked-actor state is bounded: when the map is full, expired and
// then arbitrary entries are evicted before a new actor is admitted.
func (l *Limiter) Allow(ctx context.Context, actor string) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[actor]
	if !ok {
		if len(l.buckets) >= maxTrackedActors {
			l.evictLocked(now)
		}
		b = &actorBuckets{limiter: rate.NewLimiter(rate.Limit(l.cfg.PerMinuteRate), l.cfg.PerMinuteBurst)}
		l.loadPersistedLocked(ctx, actor, now, b)
		l.buckets[actor] = b
	}
	b.lastUse = now

	if !b.limiter.AllowN(now, 1) {
		return false, ReasonBurst
	}

	if now.Sub(b.hour.start) >= time.Hour {
		b.hour = window{start: now, count: 0}
	}
	if now.Sub(b.day.start) >= 24*time.Hour {
		b.day = window{start: now, count: 0}
	}
	if b.hour.count+1 > l.cfg.PerHourQuota {
		return false, ReasonHourQuota
	}
	if b.day.count+1 > l.cfg.PerDayQuota {
		return false, ReasonDayQuota
	}
	b.hour.count++
	b.day.count++
	l.persistLocked(ctx, actor, b)
	return true, ReasonNone
}

func (l *Limiter) evictLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastUse) >= 24*time.Hour {
			delete(l.buckets, k)
		}
	}
	for len(l.buckets) >= maxTrackedActors {
		for k := range l.buckets {
			delete(l.buckets, k)
			break
		}
	}
}

// loadPersistedLocked seeds a freshly-created in-process bucket from the
// Store, so a restart (or a second process sharing the same database)
// resumes the actor's quota windows instead of silently resetting them.
func (l *Limiter) loadPersistedLocked(ctx context.Context, actor string, now time.Time, b *actorBuckets) {
	if l.db == nil {
		return
	}
	for kind, win := range map[string]*window{"hour": &b.hour, "day": &b.day} {
		var startMs int64
		var points int
		err := l.db.QueryRowContext(ctx,
			`SELECT window_start, points FROM rate_buckets WHERE limiter_type = ? AND key = ? AND window_kind = ?`,
			l.category, actor, kind,
		).Scan(&startMs, &points)
		if err != nil {
			if err != sql.ErrNoRows {
				slog.Warn("ratelimit.load_failed", "category", l.category, "actor", actor, "window", kind, "error", err)
			}
			continue
		}
		span := time.Hour
		if kind == "day" {
			span = 24 * time.Hour
		}
		start := time.UnixMilli(startMs)
		if now.Sub(start) >= span {
			continue // stale window, leave zeroed
		}
		*win = window{start: start, count: points}
	}
}

func (l *Limiter) persistLocked(ctx context.Context, actor string, b *actorBuckets) {
	if l.db == nil {
		return
	}
	for kind, win := range map[string]window{"hour": b.hour, "day": b.day} {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO rate_buckets (limiter_type, key, window_kind, window_start, points)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(limiter_type, key, window_kind) DO UPDATE SET
			 	window_start = excluded.window_start, points = excluded.points`,
			l.category, actor, kind, win.start.UnixMilli(), win.count,
		)
		if err != nil {
			slog.Warn("ratelimit.persist_failed", "category", l.category, "actor", actor, "window", kind, "error", err)
		}
	}
}

// PruneExpired deletes rate-bucket rows whose window has lapsed by more
// than a day, independent of in-process tracking — housekeeping for a
// database shared across restarts.
func PruneExpired(ctx context.Context, db *sql.DB) (int64, error) {
	cutoff := time.Now().Add(-48 * time.Hour).UnixMilli()
	res, err := db.ExecContext(ctx, `DELETE FROM rate_buckets WHERE window_start < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
