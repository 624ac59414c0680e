// Package identity links a chat id to a local user id, and issues the
// one-shot pairing codes used to establish that link (§3).
package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCodeNotFound = errors.New("identity: pairing code not found or already consumed")
	ErrCodeExpired  = errors.New("identity: pairing code expired")
)

// Link is a chat id's binding to a local user.
type Link struct {
	ChatID      string
	LocalUserID string
	LinkedAt    time.Time
	LinkedBy    string
}

type Store struct {
	db      *sql.DB
	codeTTL time.Duration
}

func New(db *sql.DB, codeTTL time.Duration) *Store {
	if codeTTL <= 0 {
		codeTTL = 10 * time.Minute
	}
	return &Store{db: db, codeTTL: codeTTL}
}

// ResolveLocalUser implements policy.IdentityLinker.
func (s *Store) ResolveLocalUser(ctx context.Context, chatID string) (string, bool) {
	link, err := s.Get(ctx, chatID)
	if err != nil {
		return "", false
	}
	return link.LocalUserID, true
}

// Get returns the link for chatID, if any.
func (s *Store) Get(ctx context.Context, chatID string) (*Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, local_user_id, linked_at, linked_by FROM identity_links WHERE chat_id = ?`,
		chatID,
	)
	var l Link
	var linkedMs int64
	if err := row.Scan(&l.ChatID, &l.LocalUserID, &linkedMs, &l.LinkedBy); err != nil {
		return nil, err
	}
	l.LinkedAt = time.UnixMilli(linkedMs)
	return &l, nil
}

// Link replaces any existing link for chatID, binding it to localUserID.
// A chat has at most one link; re-linking overwrites it.
func (s *Store) Link(ctx context.Context, chatID, localUserID, linkedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_links (chat_id, local_user_id, linked_at, linked_by)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET local_user_id = excluded.local_user_id,
		 	linked_at = excluded.linked_at, linked_by = excluded.linked_by`,
		chatID, localUserID, time.Now().UnixMilli(), linkedBy,
	)
	return err
}

// Unlink removes any link for chatID.
func (s *Store) Unlink(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM identity_links WHERE chat_id = ?`, chatID)
	return err
}

// IssuePairingCode mints a one-shot XXXX-XXXX code bound to localUserID.
func (s *Store) IssuePairingCode(ctx context.Context, localUserID string) (string, error) {
	code, err := randomPairingCode()
	if err != nil {
		return "", err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_link_codes (code, local_user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		code, localUserID, now.UnixMilli(), now.Add(s.codeTTL).UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return code, nil
}

// ConsumePairingCode atomically redeems code, linking chatID to the local
// user it was issued for. The code can be redeemed at most once.
func (s *Store) ConsumePairingCode(ctx context.Context, code, chatID string) (*Link, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM pending_link_codes WHERE code = ? RETURNING local_user_id, expires_at`,
		code,
	)
	var localUserID string
	var expiresMs int64
	if err := row.Scan(&localUserID, &expiresMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	if time.Now().After(time.UnixMilli(expiresMs)) {
		return nil, ErrCodeExpired
	}
	if err := s.Link(ctx, chatID, localUserID, "pairing-code"); err != nil {
		return nil, err
	}
	return s.Get(ctx, chatID)
}

// PruneExpiredCodes deletes pairing codes past their expiry.
func (s *Store) PruneExpiredCodes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_link_codes WHERE expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func randomPairingCode() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%04X-%04X", uint16(buf[0])<<8|uint16(buf[1]), uint16(buf[2])<<8|uint16(buf[3])), nil
}
