// Package bans implements the ban list the Mediator consults before any
// other per-message check (§4.M step 2): a banned chat's messages are
// dropped before the fast-path classifier or the TOTP gate ever sees them.
// Modeled directly on internal/identity's link-store shape, since both are
// small keyed tables with an admin-facing CLI surface and no TTL logic of
// their own.
package bans

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotBanned = errors.New("bans: actor is not banned")

// Ban is one banned actor.
type Ban struct {
	ActorID  string
	Reason   string
	BannedAt time.Time
	BannedBy string
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ban inserts or replaces the ban row for actorID.
func (s *Store) Ban(ctx context.Context, actorID, reason, bannedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans (actor_id, reason, banned_at, banned_by) VALUES (?, ?, ?, ?)
		 ON CONFLICT(actor_id) DO UPDATE SET reason = excluded.reason,
		 	banned_at = excluded.banned_at, banned_by = excluded.banned_by`,
		actorID, reason, time.Now().UnixMilli(), bannedBy,
	)
	return err
}

// Unban removes actorID's ban row, if any.
func (s *Store) Unban(ctx context.Context, actorID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE actor_id = ?`, actorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotBanned
	}
	return nil
}

// IsBanned reports whether actorID currently has a ban row.
func (s *Store) IsBanned(ctx context.Context, actorID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE actor_id = ?`, actorID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// List returns every current ban, most recently banned first.
func (s *Store) List(ctx context.Context) ([]*Ban, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id, reason, banned_at, banned_by FROM bans ORDER BY banned_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ban
	for rows.Next() {
		var b Ban
		var reason, bannedBy sql.NullString
		var bannedMs int64
		if err := rows.Scan(&b.ActorID, &reason, &bannedMs, &bannedBy); err != nil {
			return nil, err
		}
		b.Reason = reason.String
		b.BannedBy = bannedBy.String
		b.BannedAt = time.UnixMilli(bannedMs)
		out = append(out, &b)
	}
	return out, rows.Err()
}
