package approval

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

func TestRedeemIsOneShot(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a := New(st.DB, time.Minute)

	req, err := a.Create(ctx, "telegram", "chat-1", "actor-1", "approve:exec:rm foo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := a.Redeem(ctx, req.Nonce, "chat-1"); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	if _, err := a.Redeem(ctx, req.Nonce, "chat-1"); err != ErrAlreadyConsumed {
		t.Fatalf("expected ErrAlreadyConsumed on second redeem, got %v", err)
	}
}

func TestRedeemWrongChatLeavesNonceValid(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a := New(st.DB, time.Minute)

	req, err := a.Create(ctx, "telegram", "chat-1", "actor-1", "payload")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := a.Redeem(ctx, req.Nonce, "chat-2"); err != ErrWrongChat {
		t.Fatalf("expected ErrWrongChat, got %v", err)
	}

	// The nonce must remain valid for the correct chat (§8 scenario 2):
	// a wrong-chat redemption attempt must not consume it.
	got, err := a.Redeem(ctx, req.Nonce, "chat-1")
	if err != nil {
		t.Fatalf("expected successful redeem from the correct chat, got %v", err)
	}
	if got.Payload != "payload" {
		t.Fatalf("unexpected payload: %q", got.Payload)
	}
}

func TestRedeemExpired(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a := New(st.DB, time.Nanosecond)

	req, err := a.Create(ctx, "telegram", "chat-1", "actor-1", "payload")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := a.Redeem(ctx, req.Nonce, "chat-1"); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRedeemUnknownNonce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a := New(st.DB, time.Minute)

	if _, err := a.Redeem(ctx, "does-not-exist", "chat-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedeemExpiredThenAlreadyConsumed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a := New(st.DB, time.Nanosecond)

	req, err := a.Create(ctx, "telegram", "chat-1", "actor-1", "payload")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := a.Redeem(ctx, req.Nonce, "chat-1"); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// The expired redemption still consumed the row; a second attempt must
	// report already-consumed, distinct from an unknown nonce.
	if _, err := a.Redeem(ctx, req.Nonce, "chat-1"); err != ErrAlreadyConsumed {
		t.Fatalf("expected ErrAlreadyConsumed, got %v", err)
	}
}
