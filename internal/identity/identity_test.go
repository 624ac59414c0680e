package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func TestLinkAndResolve(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB, time.Minute)

	if err := s.Link(ctx, "chat-1", "alice", "operator"); err != nil {
		t.Fatalf("link: %v", err)
	}
	user, linked := s.ResolveLocalUser(ctx, "chat-1")
	if !linked || user != "alice" {
		t.Fatalf("expected linked alice, got %q linked=%v", user, linked)
	}
}

func TestRelinkReplaces(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB, time.Minute)

	if err := s.Link(ctx, "chat-1", "alice", "operator"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.Link(ctx, "chat-1", "bob", "operator"); err != nil {
		t.Fatalf("relink: %v", err)
	}
	user, _ := s.ResolveLocalUser(ctx, "chat-1")
	if user != "bob" {
		t.Fatalf("expected relink to replace, got %q", user)
	}
}

func TestUnresolvedChatNotLinked(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB, time.Minute)

	if _, linked := s.ResolveLocalUser(ctx, "chat-unknown"); linked {
		t.Fatal("expected unlinked chat to report linked=false")
	}
}

func TestPairingCodeIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB, time.Minute)

	code, err := s.IssuePairingCode(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := s.ConsumePairingCode(ctx, code, "chat-1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := s.ConsumePairingCode(ctx, code, "chat-2"); err != ErrCodeNotFound {
		t.Fatalf("expected ErrCodeNotFound on second consume, got %v", err)
	}
}

func TestPairingCodeExpires(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB, time.Nanosecond)

	code, err := s.IssuePairingCode(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := s.ConsumePairingCode(ctx, code, "chat-1"); err != ErrCodeExpired {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestConsumeUnknownCode(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t).DB, time.Minute)

	if _, err := s.ConsumePairingCode(ctx, "0000-0000", "chat-1"); err != ErrCodeNotFound {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}
