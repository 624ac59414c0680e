// Package memory implements the long-lived memory entry store (§3): small
// facts the agent accumulates about an operator or social persona, trust-
// tagged by the scope that wrote them rather than anything the writer
// claims about itself.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
)

var ErrNotFound = errors.New("memory: entry not found")

type Category string

const (
	CategoryProfile   Category = "profile"
	CategoryInterests Category = "interests"
	CategoryMeta      Category = "meta"
	CategoryThreads   Category = "threads"
	CategoryPosts     Category = "posts"
)

type Trust string

const (
	TrustTrusted     Trust = "trusted"
	TrustUntrusted   Trust = "untrusted"
	TrustQuarantined Trust = "quarantined"
)

// Entry is one row of accumulated memory.
type Entry struct {
	ID         string
	Category   Category
	Content    string
	Source     policy.Scope
	Trust      Trust
	PromotedAt *time.Time
	PostedAt   *time.Time
	UpdatedAt  time.Time
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// trustForScope assigns trust from the writer's scope — never from a
// client-supplied value — so an untrusted social actor cannot self-report
// as trusted.
func trustForScope(scope policy.Scope) Trust {
	switch scope {
	case policy.ScopeTelegram, policy.ScopeAgent, policy.ScopeRelay:
		return TrustTrusted
	case policy.ScopeSocial, policy.ScopeMoltbook:
		return TrustUntrusted
	default:
		return TrustUntrusted
	}
}

// Write records a new memory entry, assigning trust from writerScope.
func (s *Store) Write(ctx context.Context, category Category, content string, writerScope policy.Scope) (*Entry, error) {
	now := time.Now()
	e := &Entry{
		ID:        uuid.NewString(),
		Category:  category,
		Content:   content,
		Source:    writerScope,
		Trust:     trustForScope(writerScope),
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (id, category, content, source, trust, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Category), e.Content, string(e.Source), string(e.Trust), e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Quarantine marks an entry quarantined — it must never again be surfaced
// to the public-persona agent regardless of category.
func (s *Store) Quarantine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET trust = ?, updated_at = ? WHERE id = ?`,
		string(TrustQuarantined), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Promote marks a previously untrusted entry trusted, stamping promoted_at.
func (s *Store) Promote(ctx context.Context, id string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET trust = ?, promoted_at = ?, updated_at = ? WHERE id = ? AND trust != ?`,
		string(TrustTrusted), now.UnixMilli(), now.UnixMilli(), id, string(TrustQuarantined),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single entry by id, regardless of trust.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, category, content, source, trust, promoted_at, posted_at, updated_at
		 FROM memory_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListForPersona returns entries in category safe to surface to the
// public-persona agent: quarantined entries are always excluded.
func (s *Store) ListForPersona(ctx context.Context, category Category) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, content, source, trust, promoted_at, posted_at, updated_at
		 FROM memory_entries WHERE category = ? AND trust != ? ORDER BY updated_at DESC`,
		string(category), string(TrustQuarantined),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var category, source, trust string
	var promotedMs, postedMs sql.NullInt64
	var updatedMs int64
	if err := row.Scan(&e.ID, &category, &e.Content, &source, &trust, &promotedMs, &postedMs, &updatedMs); err != nil {
		return nil, err
	}
	e.Category = Category(category)
	e.Source = policy.Scope(source)
	e.Trust = Trust(trust)
	e.UpdatedAt = time.UnixMilli(updatedMs)
	if promotedMs.Valid {
		t := time.UnixMilli(promotedMs.Int64)
		e.PromotedAt = &t
	}
	if postedMs.Valid {
		t := time.UnixMilli(postedMs.Int64)
		e.PostedAt = &t
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
