package totp

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Session marks a local user as having passed a TOTP challenge until
// ExpiresAt.
type Session struct {
	LocalUserID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// PendingMessage is an inbound message parked while its chat waits out a
// TOTP challenge. At most one is kept per chat; a newer inbound message
// overwrites the parked one.
type PendingMessage struct {
	ChatID    string
	MessageID string
	Body      string
	MediaRef  string
	SenderRef string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists TOTP sessions and parked messages (§3).
type Store struct {
	db           *sql.DB
	sessionTTL   time.Duration
	pendingTTL   time.Duration
}

func NewStore(db *sql.DB, sessionTTL, pendingTTL time.Duration) *Store {
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}
	return &Store{db: db, sessionTTL: sessionTTL, pendingTTL: pendingTTL}
}

// HasValidSession reports whether localUserID has an unexpired TOTP
// session.
func (s *Store) HasValidSession(ctx context.Context, localUserID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM totp_sessions WHERE local_user_id = ?`, localUserID)
	var expiresMs int64
	if err := row.Scan(&expiresMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return time.Now().Before(time.UnixMilli(expiresMs)), nil
}

// CreateSession marks localUserID verified for the configured TTL.
func (s *Store) CreateSession(ctx context.Context, localUserID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO totp_sessions (local_user_id, created_at, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(local_user_id) DO UPDATE SET created_at = excluded.created_at, expires_at = excluded.expires_at`,
		localUserID, now.UnixMilli(), now.Add(s.sessionTTL).UnixMilli(),
	)
	return err
}

// InvalidateSession clears a local user's TOTP session — used by the
// force-reauth admin operation.
func (s *Store) InvalidateSession(ctx context.Context, localUserID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM totp_sessions WHERE local_user_id = ?`, localUserID)
	return err
}

// Park records pendingMsg as the (sole) parked message for its chat,
// overwriting any previous one.
func (s *Store) Park(ctx context.Context, chatID, messageID, body, mediaRef, senderRef string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_totp_messages (chat_id, message_id, body, media_ref, sender_ref, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET message_id = excluded.message_id, body = excluded.body,
		 	media_ref = excluded.media_ref, sender_ref = excluded.sender_ref,
		 	created_at = excluded.created_at, expires_at = excluded.expires_at`,
		chatID, messageID, body, mediaRef, senderRef, now.UnixMilli(), now.Add(s.pendingTTL).UnixMilli(),
	)
	return err
}

// TakePending atomically removes and returns the parked message for
// chatID, if any and unexpired.
func (s *Store) TakePending(ctx context.Context, chatID string) (*PendingMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM pending_totp_messages WHERE chat_id = ?
		 RETURNING chat_id, message_id, body, media_ref, sender_ref, created_at, expires_at`,
		chatID,
	)
	var pm PendingMessage
	var mediaRef sql.NullString
	var createdMs, expiresMs int64
	if err := row.Scan(&pm.ChatID, &pm.MessageID, &pm.Body, &mediaRef, &pm.SenderRef, &createdMs, &expiresMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	pm.MediaRef = mediaRef.String
	pm.CreatedAt = time.UnixMilli(createdMs)
	pm.ExpiresAt = time.UnixMilli(expiresMs)
	if time.Now().After(pm.ExpiresAt) {
		return nil, nil
	}
	return &pm, nil
}
