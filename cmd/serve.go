package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/approval"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/bans"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/broker"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/bus"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/channels"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/channels/discord"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/channels/telegram"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/circuit"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/identity"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/internalauth"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/mediator"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/memory"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/ratelimit"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/redact"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/scheduler"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/sessions"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/telemetry"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/toolguard"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/totp"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/vault"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel: capability broker HTTP server and cron scheduler, mediating inbound traffic",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func runServe() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	banStore := bans.New(st.DB)
	identityStore := identity.New(st.DB, parseDuration("", 10*time.Minute))
	approvalStore := approval.New(st.DB, parseDuration(cfg.Approval.NonceTTL, 5*time.Minute))
	sessionMgr := sessions.New(st.DB)
	memStore := memory.New(st.DB)

	perScope := map[policy.Scope]policy.Tier{}
	for name, tier := range cfg.Tiers.PerScope {
		scope, err := policy.ParseScope(name)
		if err != nil {
			slog.Warn("skipping unknown scope in tiers.per_scope", "scope", name)
			continue
		}
		perScope[scope] = policy.Tier(tier)
	}
	defaultTier := policy.Tier(cfg.Tiers.Default)
	if defaultTier == "" {
		defaultTier = policy.TierReadOnly
	}
	socialTier := policy.Tier(cfg.Tiers.SocialTier)
	if socialTier == "" {
		socialTier = policy.TierSocial
	}
	policyEngine := policy.NewEngine(defaultTier, socialTier, perScope, cfg.Tiers.PerActor)

	breakerRegistry := circuit.NewRegistry(st.DB, circuit.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     parseDuration(cfg.CircuitBreaker.ResetTimeout, 30*time.Second),
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	})

	var redactOpts []redact.Option
	if cfg.Redact.TailBufferBytes > 0 {
		redactOpts = append(redactOpts, redact.WithTailBufferBytes(cfg.Redact.TailBufferBytes))
	}
	if cfg.Redact.DetectEntropy {
		redactOpts = append(redactOpts, redact.WithEntropyDetection(true))
	}

	var observer policy.Observer
	classifier := policy.NewClassifier(policy.ClassifierConfig{
		InfraPatterns: cfg.Redact.InfraPatterns,
	}, redact.New(redactOpts...), breakerRegistry.Get("observer"), observer)

	rateLimiter := ratelimit.New(st.DB, "inbound", ratelimit.Config{
		PerMinuteBurst: cfg.RateLimit.PerMinuteBurst,
		PerMinuteRate:  cfg.RateLimit.PerMinuteRate,
		PerHourQuota:   cfg.RateLimit.PerHourQuota,
		PerDayQuota:    cfg.RateLimit.PerDayQuota,
	})

	totpGate := totp.New(cfg.TOTP.DaemonSocket, parseDuration(cfg.TOTP.DialTimeout, 2*time.Second), cfg.TOTP.FailClosed, identityStore)
	totpStore := totp.NewStore(st.DB, 0, parseDuration(cfg.TOTP.ChallengeTTL, 2*time.Minute))
	authGate := totp.NewAuthGate(totpGate, totpStore)

	guard := toolguard.New(toolguard.Config{
		SensitivePaths:   cfg.ToolGuard.SensitivePaths,
		ScopeSandboxRoot: cfg.ToolGuard.ScopeSandboxRoot,
		ScopeAllowTools:  cfg.ToolGuard.ScopeAllowTools,
		SkillAllowlist:   cfg.ToolGuard.SkillAllowlist,
		TierCommands:     cfg.ToolGuard.TierCommands,
		MaxOutputBytes:   cfg.ToolGuard.MaxOutputBytes,
	})

	var tracer *telemetry.Tracer
	if cfg.Telemetry.Enabled {
		tracer = telemetry.New(cfg.Telemetry.ServiceName)
	}

	med := mediator.New(mediator.Deps{
		Bans:         banStore,
		Identity:     identityStore,
		TOTPGate:     authGate,
		PolicyEngine: policyEngine,
		Classifier:   classifier,
		Approvals:    approvalStore,
		Sessions:     sessionMgr,
		RateLimiter:  rateLimiter,
		Runtime:      newHTTPAgentRuntime(),
		Tracer:       tracer,
		Service:      "telclaude",
	}).WithToolGuard(guard)

	nonces := internalauth.NewNonceStore(parseDuration("", 5*time.Minute))
	scopeKeys := map[string]internalauth.ScopeKey{}
	for name, sc := range cfg.Scopes {
		key := internalauth.ScopeKey{Mode: internalauth.Mode(sc.Mode)}
		if sc.Secret != "" {
			key.Secret = []byte(sc.Secret)
		}
		if sc.PublicKey != "" {
			if raw, err := hex.DecodeString(sc.PublicKey); err == nil {
				key.PublicKey = raw
			}
		}
		scopeKeys[name] = key
	}
	verifier := internalauth.NewVerifier(scopeKeys, nonces, 5*time.Minute)

	vaultClient := vault.New("", parseDuration("", 2*time.Second))

	brokerSrv := broker.New(cfg.Broker, broker.Deps{
		Verifier:  verifier,
		Limiter:   rateLimiter,
		Memory:    memStore,
		Vault:     vaultClient,
		ToolGuard: guard,
	})

	runner := scheduler.NewRunner(st.DB, parseDuration(cfg.Scheduler.LeaseDuration, 60*time.Second), scheduler.Deadlines{
		Soft: parseDuration(cfg.Scheduler.SoftDeadline, 5*time.Minute),
		Hard: parseDuration(cfg.Scheduler.HardDeadline, 10*time.Minute),
	}, med.SchedulerHandler())

	go runner.Poll(ctx, parseDuration(cfg.Scheduler.PollInterval, 5*time.Second))

	go func() {
		slog.Info("broker listening", "host", cfg.Broker.Host, "port", cfg.Broker.Port)
		if err := brokerSrv.Start(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("broker server exited", "error", err)
		}
	}()

	msgBus := bus.NewMessageBus(256)
	chMgr := channels.NewManager(msgBus)

	if cfg.Channels.Telegram.Enabled {
		tgCh, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			chMgr.Register(tgCh)
		}
	}
	if cfg.Channels.Discord.Enabled {
		dcCh, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			chMgr.Register(dcCh)
		}
	}

	if err := chMgr.StartAll(ctx); err != nil {
		slog.Error("channel manager start failed", "error", err)
	}
	defer chMgr.StopAll(context.Background())

	go runMediatorLoop(ctx, msgBus, med)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
}

// runMediatorLoop drains the bus's inbound queue and hands each message to
// the Mediator, one goroutine per message so a slow dispatch on one
// conversation never blocks another (§5: no cross-session ordering
// guarantee; within one session, serialization happens inside the
// Session Manager, not here).
func runMediatorLoop(ctx context.Context, msgBus *bus.MessageBus, med *mediator.Mediator) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go dispatchInbound(ctx, msgBus, med, msg)
	}
}

// dispatchInbound implements §4.M.8: an inbound body that parses as a
// pending approval nonce is first tried against ResolveApproval; only a
// genuine "no such approval" result falls back to ordinary Handle
// processing; an update channel send failure only gets logged, it never
// re-queues (replies are best-effort, not at-least-once).
func dispatchInbound(ctx context.Context, msgBus *bus.MessageBus, med *mediator.Mediator, msg bus.InboundMessage) {
	requestID := uuid.NewString()

	var out *mediator.Outcome
	var merr *mediator.Error

	if nonce, err := uuid.Parse(strings.TrimSpace(msg.Content)); err == nil {
		out, merr = med.ResolveApproval(ctx, nonce.String(), msg.ChatID, requestID)
		if merr != nil && merr.Kind == mediator.KindApprovalAlreadyConsumed && merr.Reason == "nonce unknown" {
			out, merr = nil, nil // the text just happens to look like a nonce; treat as a normal message
		}
	}
	if out == nil && merr == nil {
		out, merr = med.Handle(ctx, msg, requestID)
	}

	if out == nil || out.Dropped || out.ReplyText == "" {
		return
	}
	if !msgBus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: out.ReplyText}) {
		slog.Warn("mediator.outbound_dropped", "chat_id", msg.ChatID, "channel", msg.Channel)
	}
}

// httpAgentRuntime dispatches approved turns to the sandboxed agent process
// over HTTP, following the same external-collaborator boundary the broker
// draws for paid capability providers — the kernel never embeds the LLM
// runtime itself (§6 non-goals).
type httpAgentRuntime struct {
	baseURL string
	client  *http.Client
}

func newHTTPAgentRuntime() *httpAgentRuntime {
	base := os.Getenv("TELCLAUDE_AGENT_URL")
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	return &httpAgentRuntime{baseURL: base, client: &http.Client{Timeout: 2 * time.Minute}}
}

func (h *httpAgentRuntime) Dispatch(ctx context.Context, sessionID string, scope policy.Scope, tier policy.Tier, body string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"scope":      string(scope),
		"tier":       string(tier),
		"body":       body,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/dispatch", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent runtime unreachable at %s: %w", h.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent runtime returned status %d", resp.StatusCode)
	}

	var out struct {
		Reply string `json:"reply"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("agent runtime returned malformed response: %w", err)
	}
	return out.Reply, nil
}
