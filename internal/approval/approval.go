// Package approval implements the one-shot approval nonce store (§4.G): a
// user is sent a nonce (e.g. in a Telegram inline button), and redeeming it
// must be atomic and exactly-once even under concurrent redemption attempts
// from the same or a different chat. Consumption uses a single
// DELETE ... RETURNING statement so the check-and-delete is linearizable at
// the database layer rather than relying on an application-level mutex.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("approval: nonce unknown")
	ErrAlreadyConsumed = errors.New("approval: nonce already consumed")
	ErrExpired         = errors.New("approval: nonce expired")
	ErrWrongChat       = errors.New("approval: nonce redeemed from the wrong chat")
)

// Request is a pending approval awaiting redemption.
type Request struct {
	Nonce     string
	Scope     string
	ChatID    string
	ActorID   string
	Payload   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Store struct {
	db  *sql.DB
	ttl time.Duration
}

func New(db *sql.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{db: db, ttl: ttl}
}

// Create mints a new one-shot nonce bound to scope/chatID/actorID and
// persists it with an expiry ttl from now.
func (s *Store) Create(ctx context.Context, scope, chatID, actorID, payload string) (*Request, error) {
	now := time.Now()
	req := &Request{
		Nonce:     uuid.NewString(),
		Scope:     scope,
		ChatID:    chatID,
		ActorID:   actorID,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_nonces (nonce, scope, chat_id, actor_id, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.Nonce, req.Scope, req.ChatID, req.ActorID, req.Payload,
		req.CreatedAt.UnixMilli(), req.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Redeem atomically deletes-and-returns the nonce row, scoped to the
// redeeming chat. A wrong-chat attempt must never consume the nonce (§8
// scenario 2: "the nonce remains valid for 111"), so the DELETE itself is
// conditioned on chat_id matching; only a same-chat redemption actually
// removes the row. When the conditional DELETE touches nothing, a
// follow-up SELECT inside the same transaction disambiguates why: the
// nonce was already consumed (tombstoned in approval_redemptions), it
// belongs to a different chat (left intact), it's expired, or it never
// existed at all.
func (s *Store) Redeem(ctx context.Context, nonce, fromChatID string) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`DELETE FROM approval_nonces WHERE nonce = ? AND chat_id = ?
		 RETURNING nonce, scope, chat_id, actor_id, payload, created_at, expires_at`,
		nonce, fromChatID,
	)

	var req Request
	var createdMs, expiresMs int64
	scanErr := row.Scan(&req.Nonce, &req.Scope, &req.ChatID, &req.ActorID, &req.Payload, &createdMs, &expiresMs)
	if scanErr == nil {
		req.CreatedAt = time.UnixMilli(createdMs)
		req.ExpiresAt = time.UnixMilli(expiresMs)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO approval_redemptions (nonce, chat_id, redeemed_at) VALUES (?, ?, ?)`,
			req.Nonce, fromChatID, time.Now().UnixMilli(),
		); err != nil {
			return nil, err
		}

		expired := time.Now().After(req.ExpiresAt)
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		if expired {
			return &req, ErrExpired
		}
		return &req, nil
	}
	if !errors.Is(scanErr, sql.ErrNoRows) {
		return nil, scanErr
	}

	// No row deleted under (nonce, chat_id): the nonce may belong to
	// another chat, be expired-but-intact, already consumed, or unknown.
	var consumedAt int64
	if err := tx.QueryRowContext(ctx,
		`SELECT redeemed_at FROM approval_redemptions WHERE nonce = ?`, nonce,
	).Scan(&consumedAt); err == nil {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyConsumed
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var scope, chatID, actorID, payload string
	err = tx.QueryRowContext(ctx,
		`SELECT scope, chat_id, actor_id, payload, created_at, expires_at FROM approval_nonces WHERE nonce = ?`,
		nonce,
	).Scan(&scope, &chatID, &actorID, &payload, &createdMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	req = Request{
		Nonce: nonce, Scope: scope, ChatID: chatID, ActorID: actorID, Payload: payload,
		CreatedAt: time.UnixMilli(createdMs), ExpiresAt: time.UnixMilli(expiresMs),
	}
	if time.Now().After(req.ExpiresAt) {
		return &req, ErrExpired
	}
	return &req, ErrWrongChat
}

// PruneExpired deletes nonces past their expiry, independent of redemption —
// housekeeping so abandoned approvals don't accumulate. It also prunes
// redemption tombstones older than a day: the "already consumed" signal
// only needs to outlive the approval's own TTL, not persist forever.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approval_nonces WHERE expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	s.db.ExecContext(ctx, `DELETE FROM approval_redemptions WHERE redeemed_at < ?`, time.Now().Add(-24*time.Hour).UnixMilli())
	return res.RowsAffected()
}
