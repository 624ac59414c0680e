package bans

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.DB)
}

func TestBanAndIsBanned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if banned, err := s.IsBanned(ctx, "chat-1"); err != nil || banned {
		t.Fatalf("expected unbanned before any Ban call, got banned=%v err=%v", banned, err)
	}

	if err := s.Ban(ctx, "chat-1", "spam", "operator"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned, err := s.IsBanned(ctx, "chat-1")
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if !banned {
		t.Fatal("expected chat-1 to be banned")
	}
}

func TestUnban(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Ban(ctx, "chat-1", "spam", "operator"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := s.Unban(ctx, "chat-1"); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if banned, _ := s.IsBanned(ctx, "chat-1"); banned {
		t.Fatal("expected chat-1 to no longer be banned")
	}
	if err := s.Unban(ctx, "chat-1"); err != ErrNotBanned {
		t.Fatalf("expected ErrNotBanned on repeat unban, got %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Ban(ctx, "chat-1", "spam", "operator"); err != nil {
		t.Fatalf("ban chat-1: %v", err)
	}
	if err := s.Ban(ctx, "chat-2", "abuse", "operator"); err != nil {
		t.Fatalf("ban chat-2: %v", err)
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 bans, got %d", len(list))
	}
}
