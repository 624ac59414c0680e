package totp

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
)

// startConfigurableDaemon answers both the "configured" status query and
// the code-verification challenge, so AuthGate tests can exercise the
// whole state machine against one fake socket.
func startConfigurableDaemon(t *testing.T, configured bool, validCode string) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "totp.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var raw map[string]any
				if err := json.NewDecoder(conn).Decode(&raw); err != nil {
					return
				}
				if q, ok := raw["query"]; ok && q == "configured" {
					json.NewEncoder(conn).Encode(statusResponse{Configured: configured})
					return
				}
				code, _ := raw["code"].(string)
				json.NewEncoder(conn).Encode(challengeResponse{Approved: code == validCode})
			}()
		}
	}()
	return sockPath
}

func newAuthGateStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewStore(s.DB, time.Minute, time.Minute)
}

func newAuthGate(t *testing.T, sock string) (*AuthGate, *Store) {
	t.Helper()
	gate := New(sock, time.Second, true, nil)
	st := newAuthGateStore(t)
	return NewAuthGate(gate, st), st
}

func TestAuthGatePassesWhenNotConfigured(t *testing.T) {
	sock := startConfigurableDaemon(t, false, "123456")
	ag, _ := newAuthGate(t, sock)

	res, err := ag.Check(context.Background(), "chat-1", "alice", "m1", "hello there", "", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomePass {
		t.Fatalf("expected Pass, got %s", res.Outcome)
	}
}

func TestAuthGateChallengesThenVerifies(t *testing.T) {
	sock := startConfigurableDaemon(t, true, "654321")
	ag, _ := newAuthGate(t, sock)
	ctx := context.Background()

	res, err := ag.Check(ctx, "chat-1", "alice", "m1", "please run ls", "", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeChallenge {
		t.Fatalf("expected Challenge, got %s", res.Outcome)
	}

	res, err = ag.Check(ctx, "chat-1", "alice", "m2", "654321", "", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeVerified {
		t.Fatalf("expected Verified, got %s", res.Outcome)
	}
	if res.ParkedMessage == nil || res.ParkedMessage.Body != "please run ls" {
		t.Fatalf("expected the earlier challenged message to come back parked, got %+v", res.ParkedMessage)
	}
}

func TestAuthGateInvalidCode(t *testing.T) {
	sock := startConfigurableDaemon(t, true, "111111")
	ag, _ := newAuthGate(t, sock)

	res, err := ag.Check(context.Background(), "chat-1", "alice", "m1", "000000", "", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeInvalidCode {
		t.Fatalf("expected InvalidCode, got %s", res.Outcome)
	}
}

func TestAuthGateValidSessionPasses(t *testing.T) {
	sock := startConfigurableDaemon(t, true, "111111")
	ag, st := newAuthGate(t, sock)
	ctx := context.Background()

	if err := st.CreateSession(ctx, "alice"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	res, err := ag.Check(ctx, "chat-1", "alice", "m1", "anything at all", "", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomePass {
		t.Fatalf("expected Pass on valid session, got %s", res.Outcome)
	}
}

func TestAuthGateDaemonUnreachableWithLinkErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.sock")
	gate := New(missing, 50*time.Millisecond, true, nil)
	st := newAuthGateStore(t)
	ag := NewAuthGate(gate, st)

	res, err := ag.Check(context.Background(), "chat-1", "alice", "m1", "hello", "", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeError {
		t.Fatalf("expected Error for unreachable daemon with a linked actor, got %s", res.Outcome)
	}
}

func TestAuthGateDaemonUnreachableWithoutLinkPasses(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.sock")
	gate := New(missing, 50*time.Millisecond, true, nil)
	st := newAuthGateStore(t)
	ag := NewAuthGate(gate, st)

	res, err := ag.Check(context.Background(), "chat-1", "", "m1", "hello", "", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomePass {
		t.Fatalf("expected Pass for an unlinked chat when the daemon is unreachable, got %s", res.Outcome)
	}
}

func TestForceReauthInvalidatesSession(t *testing.T) {
	sock := startConfigurableDaemon(t, true, "111111")
	ag, st := newAuthGate(t, sock)
	ctx := context.Background()

	if err := st.CreateSession(ctx, "alice"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := ag.ForceReauth(ctx, "alice"); err != nil {
		t.Fatalf("force reauth: %v", err)
	}

	res, err := ag.Check(ctx, "chat-1", "alice", "m1", "anything", "", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome == OutcomePass {
		t.Fatal("expected force-reauth to clear the passing session")
	}
}

