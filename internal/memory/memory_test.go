package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteAssignsTrustFromScopeNotClient(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB)

	e, err := s.Write(ctx, CategoryProfile, "likes hiking", policy.ScopeSocial)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if e.Trust != TrustUntrusted {
		t.Fatalf("expected social-scope writes to be untrusted, got %s", e.Trust)
	}

	e2, err := s.Write(ctx, CategoryMeta, "operator note", policy.ScopeTelegram)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if e2.Trust != TrustTrusted {
		t.Fatalf("expected telegram-scope writes to be trusted, got %s", e2.Trust)
	}
}

func TestQuarantineExcludesFromPersonaList(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB)

	e, err := s.Write(ctx, CategoryPosts, "draft post", policy.ScopeSocial)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	before, err := s.ListForPersona(ctx, CategoryPosts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(before) != 1 {
		t.Fatalf("expected 1 entry before quarantine, got %d", len(before))
	}

	if err := s.Quarantine(ctx, e.ID); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	after, err := s.ListForPersona(ctx, CategoryPosts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected quarantined entry excluded, got %d entries", len(after))
	}
}

func TestQuarantineUnknownEntry(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB)

	if err := s.Quarantine(ctx, "does-not-exist"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPromoteSetsTrustedAndTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB)

	e, err := s.Write(ctx, CategoryInterests, "robotics", policy.ScopeSocial)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Promote(ctx, e.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}

	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Trust != TrustTrusted {
		t.Fatalf("expected promoted entry to be trusted, got %s", got.Trust)
	}
	if got.PromotedAt == nil {
		t.Fatal("expected promoted_at to be set")
	}
}

func TestPromoteCannotUnquarantine(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB)

	e, err := s.Write(ctx, CategoryInterests, "robotics", policy.ScopeSocial)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Quarantine(ctx, e.ID); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if err := s.Promote(ctx, e.ID); err != ErrNotFound {
		t.Fatalf("expected promote on a quarantined entry to no-op as not-found, got %v", err)
	}
}
