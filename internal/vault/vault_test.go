package vault

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func startFakeVault(t *testing.T, resp tokenResponse) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "vault.sock")
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
				var req tokenRequest
				if err := json.NewDecoder(conn).Decode(&req); err != nil {
					return
				}
				json.NewEncoder(conn).Encode(resp)
			}()
		}
	}()
	return sockPath
}

func TestTokenSuccess(t *testing.T) {
	sock := startFakeVault(t, tokenResponse{OK: true, AccessToken: "tok-123"})
	c := New(sock, time.Second)
	tok, err := c.Token(context.Background(), "github", "alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-123" {
		t.Fatalf("expected tok-123, got %q", tok)
	}
}

func TestTokenDenied(t *testing.T) {
	sock := startFakeVault(t, tokenResponse{OK: false, Error: "no grant for provider"})
	c := New(sock, time.Second)
	if _, err := c.Token(context.Background(), "github", "alice"); err == nil {
		t.Fatal("expected an error for a denied token request")
	}
}

func TestTokenDaemonUnreachable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.sock")
	c := New(missing, 50*time.Millisecond)
	if _, err := c.Token(context.Background(), "github", "alice"); err == nil {
		t.Fatal("expected an error when the daemon is unreachable")
	}
}
