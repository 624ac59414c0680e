// Package broker implements the Capability Broker (§4.K): the HTTP server
// the sandboxed agent process calls for every capability that reaches
// outside its own filesystem sandbox — image generation, speech synthesis,
// transcription, URL fetches, and OAuth-provider proxying. The agent talks
// only to the broker; the broker is the only kernel component that talks to
// paid external APIs, following the same boundary the teacher draws between
// the agent runtime and its gateway (internal/gateway/server.go).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/config"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/internalauth"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/memory"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/ratelimit"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/toolguard"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/vault"
)

// Deps are the components the broker mediates between the agent and the
// outside world.
type Deps struct {
	Verifier  *internalauth.Verifier
	Limiter   *ratelimit.Limiter
	Memory    *memory.Store
	Vault     *vault.Client
	ToolGuard *toolguard.Guard // backs the PreToolUse callback the agent process makes before running each tool (§4.I/§4.K)
}

type Server struct {
	cfg        config.BrokerConfig
	deps       Deps
	fetchGuard *FetchGuard
	sem        chan struct{}
	mux        *http.ServeMux
	httpServer *http.Server
	events     *eventHub
}

func New(cfg config.BrokerConfig, deps Deps) *Server {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	fetchTimeout := time.Duration(cfg.FetchTimeoutSec) * time.Second
	fg := NewFetchGuard(fetchTimeout, cfg.FetchMaxBytes)
	fg.AllowPrivate = cfg.FetchAllowPrivate
	return &Server{
		cfg:        cfg,
		deps:       deps,
		fetchGuard: fg,
		sem:        make(chan struct{}, maxConcurrent),
		events:     newEventHub(),
	}
}

func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("POST /v1/capability/image-generate", s.wrap(s.handleImageGenerate))
	mux.Handle("POST /v1/capability/tts-speak", s.wrap(s.handleTTSSpeak))
	mux.Handle("POST /v1/capability/transcribe", s.wrap(s.handleTranscribe))
	mux.Handle("POST /v1/capability/fetch-attachment", s.wrap(s.handleFetchAttachment))
	mux.Handle("POST /v1/capability/url-summarize", s.wrap(s.handleURLSummarize))
	mux.Handle("POST /v1/capability/memory/snapshot", s.wrap(s.handleMemorySnapshot))
	mux.Handle("POST /v1/capability/memory/propose", s.wrap(s.handleMemoryPropose))
	mux.Handle("POST /v1/capability/memory/quarantine", s.wrap(s.handleMemoryQuarantine))
	mux.Handle("POST /v1/capability/provider-proxy", s.wrap(s.handleProviderProxy))
	mux.Handle("POST /v1/tool-guard/evaluate", s.wrap(s.handleToolGuardEvaluate))
	mux.Handle("POST /v1/tool-guard/truncate", s.wrap(s.handleToolGuardTruncate))
	s.mux = mux
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("broker starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("broker server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// endpointRequest is the shape every capability endpoint shares for the
// parts of mediation common to all of them (actor identity for rate
// limiting and audit, trust scope for scope-restricted endpoints like
// memory/quarantine).
type endpointRequest struct {
	ActorID string `json:"actor_id"`
	Scope   string `json:"scope"`
}

// wrap applies the mediation pipeline common to every POST endpoint, in
// the order §4.K lists them: content-type, body limit, concurrency cap,
// internal-auth, rate limit, then the handler's own shape/size validation.
func (s *Server) wrap(next func(w http.ResponseWriter, r *http.Request, body []byte)) http.Handler {
	bodyLimit := s.cfg.BodyLimitBytes
	if bodyLimit <= 0 {
		bodyLimit = 256 << 10
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" && ct != "application/json; charset=utf-8" {
			writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "expected application/json"})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "broker at capacity"})
			return
		}

		if s.deps.Verifier != nil {
			if _, err := s.deps.Verifier.Verify(r, body); err != nil {
				slog.Warn("broker.auth_rejected", "path", r.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}

		var ep endpointRequest
		if err := json.Unmarshal(body, &ep); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed json body"})
			return
		}

		if s.deps.Limiter != nil && ep.ActorID != "" {
			if ok, reason := s.deps.Limiter.Allow(r.Context(), ep.ActorID); !ok {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": string(reason)})
				return
			}
		}

		next(w, r, body)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
