package sessions

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

func TestUpsertCreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t).DB)

	threadKey := BuildThreadKey("telegram", "chat-1", 0)
	poolKey := BuildPoolKey("telegram", PoolOperatorQuery)

	first, err := m.Upsert(ctx, threadKey, poolKey)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.SessionID == "" {
		t.Fatal("expected a generated session id")
	}

	second, err := m.Upsert(ctx, threadKey, poolKey)
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected same session id, got %q then %q", first.SessionID, second.SessionID)
	}
}

func TestPoolKeySegregatesSameThread(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t).DB)

	threadKey := BuildThreadKey("telegram", "chat-1", 0)

	social, err := m.Upsert(ctx, threadKey, BuildPoolKey("telegram", PoolSocial))
	if err != nil {
		t.Fatalf("upsert social: %v", err)
	}
	operator, err := m.Upsert(ctx, threadKey, BuildPoolKey("telegram", PoolOperatorQuery))
	if err != nil {
		t.Fatalf("upsert operator: %v", err)
	}
	if social.SessionID == operator.SessionID {
		t.Fatal("expected distinct sessions for distinct pool keys on the same thread")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t).DB)

	if _, err := m.Get(ctx, "telegram:chat-1", "telegram:social"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetThenUpsertGeneratesNewID(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t).DB)

	threadKey, poolKey := "telegram:chat-1", "telegram:social"
	first, err := m.Upsert(ctx, threadKey, poolKey)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.Reset(ctx, threadKey, poolKey); err != nil {
		t.Fatalf("reset: %v", err)
	}
	second, err := m.Upsert(ctx, threadKey, poolKey)
	if err != nil {
		t.Fatalf("upsert after reset: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("expected a new session id after reset")
	}
}

func TestListActiveOrdersByMostRecent(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t).DB)

	if _, err := m.Upsert(ctx, "telegram:chat-1", "telegram:social"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := m.Upsert(ctx, "telegram:chat-2", "telegram:social"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	active, err := m.ListActive(ctx, time.Hour)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}
}

func TestListActiveExcludesStale(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t).DB)

	if _, err := m.Upsert(ctx, "telegram:chat-1", "telegram:social"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	active, err := m.ListActive(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected 0 sessions within a negative window, got %d", len(active))
	}
}

func TestIsContextOverflow(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Error: context_length_exceeded", true},
		{"400 prompt is too long for this model", true},
		{"request exceeded the maximum context length of 200000 tokens", true},
		{"connection refused", false},
	}
	for _, tc := range cases {
		if got := IsContextOverflow(tc.msg); got != tc.want {
			t.Errorf("IsContextOverflow(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestRecoverFromOverflowClearsSession(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t).DB)

	threadKey, poolKey := "telegram:chat-1", "telegram:social"
	if _, err := m.Upsert(ctx, threadKey, poolKey); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.RecoverFromOverflow(ctx, threadKey, poolKey); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := m.Get(ctx, threadKey, poolKey); err != ErrNotFound {
		t.Fatalf("expected session to be cleared, got err=%v", err)
	}
}
