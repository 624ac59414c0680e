package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/config"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/internalauth"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/memory"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/ratelimit"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/toolguard"
)

func newTestServer(t *testing.T, cfg config.BrokerConfig) (*Server, *internalauth.Signer) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	secret := []byte("broker-test-secret")
	verifier := internalauth.NewVerifier(map[string]internalauth.ScopeKey{
		"agent": {Mode: internalauth.ModeHMAC, Secret: secret},
	}, internalauth.NewNonceStore(time.Minute), time.Minute)
	signer := &internalauth.Signer{Scope: "agent", Mode: internalauth.ModeHMAC, HMACSecret: secret}

	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxPromptChars == 0 {
		cfg.MaxPromptChars = 8000
	}
	if cfg.MaxTTSChars == 0 {
		cfg.MaxTTSChars = 4000
	}
	if cfg.MaxPathChars == 0 {
		cfg.MaxPathChars = 4096
	}
	if cfg.BodyLimitBytes == 0 {
		cfg.BodyLimitBytes = 256 << 10
	}
	if len(cfg.MediaRoots) == 0 {
		cfg.MediaRoots = []string{t.TempDir()}
	}
	cfg.FetchAllowPrivate = true

	s := New(cfg, Deps{
		Verifier:  verifier,
		Limiter:   ratelimit.New(st.DB, "broker-test", ratelimit.Config{PerMinuteBurst: 100, PerMinuteRate: 100, PerHourQuota: 10000, PerDayQuota: 100000}),
		Memory:    memory.New(st.DB),
		ToolGuard: toolguard.New(toolguard.Config{}),
	})
	return s, signer
}

func signedPost(t *testing.T, signer *internalauth.Signer, ts *httptest.Server, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := signer.Sign(req, body, "nonce-"+path+time.Now().String()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRejectsNonJSONContentType(t *testing.T) {
	s, _ := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/capability/memory/snapshot", "text/plain", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestRejectsUnauthenticatedRequest(t *testing.T) {
	s, _ := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/capability/memory/snapshot", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMemoryProposeAssignsTrustFromScope(t *testing.T) {
	s, signer := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id": "actor-1",
		"scope":    string(policy.ScopeSocial),
		"category": "profile",
		"content":  "likes chess",
	})
	resp := signedPost(t, signer, ts, "/v1/capability/memory/propose", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var entry memory.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Trust != memory.TrustUntrusted {
		t.Fatalf("expected untrusted trust for a social-scope write, got %s", entry.Trust)
	}
}

func TestMemoryQuarantineForbiddenFromMoltbook(t *testing.T) {
	s, signer := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id": "actor-1",
		"scope":    string(policy.ScopeMoltbook),
		"entry_id": "whatever",
	})
	resp := signedPost(t, signer, ts, "/v1/capability/memory/quarantine", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestImageGenerateRejectsOversizedPrompt(t *testing.T) {
	s, signer := newTestServer(t, config.BrokerConfig{MaxPromptChars: 10})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id":     "actor-1",
		"scope":        string(policy.ScopeTelegram),
		"prompt":       "this prompt is definitely longer than ten characters",
		"provider_url": "http://example.invalid/generate",
	})
	resp := signedPost(t, signer, ts, "/v1/capability/image-generate", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized prompt, got %d", resp.StatusCode)
	}
}

func TestImageGenerateForwardsToProvider(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"https://cdn.example/image.png"}`))
	}))
	defer upstream.Close()

	s, signer := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id":     "actor-1",
		"scope":        string(policy.ScopeTelegram),
		"prompt":       "a friendly robot",
		"provider_url": upstream.URL,
	})
	resp := signedPost(t, signer, ts, "/v1/capability/image-generate", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestTranscribeRejectsPathOutsideMediaRoot(t *testing.T) {
	s, signer := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id":     "actor-1",
		"scope":        string(policy.ScopeTelegram),
		"media_path":   "/etc/passwd",
		"provider_url": "http://example.invalid/transcribe",
	})
	resp := signedPost(t, signer, ts, "/v1/capability/transcribe", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for path outside media root, got %d", resp.StatusCode)
	}
}

func TestProviderProxyRejectsUnknownProvider(t *testing.T) {
	s, signer := newTestServer(t, config.BrokerConfig{KnownProviders: []string{"github"}})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id":    "actor-1",
		"scope":       string(policy.ScopeTelegram),
		"provider_id": "not-a-real-provider",
		"base_url":    "https://api.example.com",
	})
	resp := signedPost(t, signer, ts, "/v1/capability/provider-proxy", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown provider, got %d", resp.StatusCode)
	}
}

func TestConcurrencyCapReturns429(t *testing.T) {
	block := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()
	defer close(block)

	s, signer := newTestServer(t, config.BrokerConfig{MaxConcurrent: 1})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id":     "actor-1",
		"scope":        string(policy.ScopeTelegram),
		"prompt":       "hold",
		"provider_url": upstream.URL,
	})

	done := make(chan *http.Response, 1)
	go func() { done <- signedPost(t, signer, ts, "/v1/capability/image-generate", body) }()

	time.Sleep(50 * time.Millisecond)
	resp2 := signedPost(t, signer, ts, "/v1/capability/image-generate", body)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 while the sole slot is in use, got %d", resp2.StatusCode)
	}

	resp1 := <-done
	resp1.Body.Close()
}

func TestToolGuardEvaluateDeniesDestructiveCommand(t *testing.T) {
	s, signer := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id":  "actor-1",
		"scope":     string(policy.ScopeTelegram),
		"tool_name": "Bash",
		"command":   "rm -rf /",
	})
	resp := signedPost(t, signer, ts, "/v1/tool-guard/evaluate", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["decision"] != string(policy.Deny) {
		t.Fatalf("expected deny decision, got %v", out)
	}
}

func TestToolGuardEvaluateAllowsOrdinaryCall(t *testing.T) {
	s, signer := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"actor_id":  "actor-1",
		"scope":     string(policy.ScopeTelegram),
		"tool_name": "Read",
	})
	resp := signedPost(t, signer, ts, "/v1/tool-guard/evaluate", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["decision"] != string(policy.Allow) {
		t.Fatalf("expected allow decision, got %v", out)
	}
}

func TestToolGuardTruncateMarksLongOutput(t *testing.T) {
	s, signer := newTestServer(t, config.BrokerConfig{})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	long := make([]byte, 200*1024)
	for i := range long {
		long[i] = 'a'
	}
	body, _ := json.Marshal(map[string]string{
		"actor_id": "actor-1",
		"scope":    string(policy.ScopeTelegram),
		"output":   string(long),
	})
	resp := signedPost(t, signer, ts, "/v1/tool-guard/truncate", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Output    string `json:"output"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Truncated {
		t.Fatal("expected truncation for a 200KB output")
	}
}
