package mediator

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/approval"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/bans"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/bus"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/identity"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/ratelimit"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/redact"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/sessions"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/telemetry"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/totp"
)

// AgentRuntime is the sandboxed LLM agent process the kernel dispatches
// approved turns to. It is an external collaborator (§1 non-goals: "the
// LLM runtime... specified only by the interfaces the kernel consumes") —
// the Mediator only knows this interface, never a concrete runtime.
type AgentRuntime interface {
	Dispatch(ctx context.Context, sessionID string, scope policy.Scope, tier policy.Tier, body string) (reply string, err error)
}

// OutcomeStatus categorizes a completed dispatch for the audit log (§4.M).
type OutcomeStatus string

const (
	StatusSuccess     OutcomeStatus = "success"
	StatusBlocked     OutcomeStatus = "blocked"
	StatusTimeout     OutcomeStatus = "timeout"
	StatusError       OutcomeStatus = "error"
	StatusRateLimited OutcomeStatus = "rate_limited"
)

// Outcome is what the Mediator returns for one inbound message: either a
// final reply (success, refusal, or challenge text) or a pending approval
// the caller must relay to the user as a one-shot confirmation prompt.
type Outcome struct {
	RequestID      string
	ChatID         string
	Classification policy.Classification
	Confidence     float64
	Tier           policy.Tier
	Status         OutcomeStatus
	DurationMs     int64

	ReplyText     string // user-visible text: agent reply, refusal, or challenge
	Dropped       bool   // true for a silently-dropped banned-chat message: no reply at all
	ApprovalNonce string // set when Status==blocked pending human approval

	TraceID string // correlation id minted by Deps.Tracer, empty if untraced
	SpanID  string
}

// Deps bundles every component the Mediator orchestrates (§4.M). All
// fields are required except Observer-related wiring inside Classifier,
// which already defaults to a conservative fallback.
type Deps struct {
	Bans        *bans.Store
	Identity    *identity.Store
	TOTPGate    *totp.AuthGate
	PolicyEngine *policy.Engine
	Classifier  *policy.Classifier
	Approvals   *approval.Store
	Sessions    *sessions.Manager
	RateLimiter *ratelimit.Limiter
	Runtime     AgentRuntime

	// Tracer mints the trace/span IDs attached to each audit record (§7).
	// Nil is fine: Handle just skips correlation-id minting and the audit
	// log carries request_id alone.
	Tracer *telemetry.Tracer

	// OutboundRedactOpts configures a fresh streaming redactor per
	// dispatch (§4.E) — a new instance per call because the tail buffer
	// is per-stream state, never shared across concurrent dispatches.
	OutboundRedactOpts []redact.Option

	Service string // channel/service name, e.g. "telegram", used to build pool keys
}

// Mediator implements §4.M's top-level orchestration.
type Mediator struct {
	deps      Deps
	toolGuard ToolGuard
}

func New(deps Deps) *Mediator {
	return &Mediator{deps: deps}
}

// NewOutboundRedactor builds a fresh streaming Secret Redactor (§4.E) for
// one dispatch's outbound text. Each dispatch gets its own instance: the
// tail buffer is per-stream state and must never leak between concurrent
// conversations.
func (m *Mediator) NewOutboundRedactor() *redact.Redactor {
	return redact.New(m.deps.OutboundRedactOpts...)
}

// Handle runs one inbound message through the full pipeline (§4.M):
// infra-secret check, ban list, TOTP gate, fast-path/LLM classification,
// and either dispatch to the agent runtime or a parked approval.
func (m *Mediator) Handle(ctx context.Context, msg bus.InboundMessage, requestID string) (*Outcome, *Error) {
	start := time.Now()
	out := &Outcome{RequestID: requestID, ChatID: msg.ChatID}

	if m.deps.Tracer != nil {
		var end func()
		ctx, end, out.TraceID, out.SpanID = m.deps.Tracer.StartDispatch(ctx, requestID)
		defer end()
	}

	finish := func(status OutcomeStatus) {
		out.Status = status
		out.DurationMs = time.Since(start).Milliseconds()
		m.audit(out)
	}

	// Step 1 (§4.M.1, §4.F.1): infra-secret check, non-overridable by tier.
	if blocked, reason, patterns := m.deps.Classifier.InfraCheck(msg.Content); blocked {
		out.Classification = policy.ClassBlock
		out.Confidence = 1
		out.ReplyText = "message blocked: contains a system-infrastructure secret"
		finish(StatusBlocked)
		return out, newError(KindPolicyBlocked, reason+": "+joinPatterns(patterns))
	}

	// Step 2 (§4.M.2): ban list. A banned chat's messages never reach the
	// TOTP gate or the classifier at all.
	if m.deps.Bans != nil {
		banned, err := m.deps.Bans.IsBanned(ctx, msg.SenderID)
		if err != nil {
			finish(StatusError)
			return out, newError(KindInternal, "ban lookup failed")
		}
		if banned {
			out.Dropped = true
			finish(StatusBlocked)
			return out, nil
		}
	}

	localUserID, linked := "", false
	if m.deps.Identity != nil {
		localUserID, linked = m.deps.Identity.ResolveLocalUser(ctx, msg.ChatID)
	}

	// Step 3 (§4.M.3, §4.H): TOTP re-authentication gate.
	effectiveBody := msg.Content
	if m.deps.TOTPGate != nil {
		gateLocalUser := ""
		if linked {
			gateLocalUser = localUserID
		}
		result, err := m.deps.TOTPGate.Check(ctx, msg.ChatID, gateLocalUser, msg.Metadata["message_id"], msg.Content, firstMedia(msg.Media), msg.SenderID)
		if err != nil {
			finish(StatusError)
			return out, newError(KindInternal, "totp gate failed")
		}
		switch result.Outcome {
		case totp.OutcomePass:
			// continue
		case totp.OutcomeChallenge, totp.OutcomeInvalidCode:
			out.ReplyText = result.Text
			finish(StatusBlocked)
			return out, nil
		case totp.OutcomeError:
			out.ReplyText = result.Text
			finish(StatusError)
			return out, newError(KindTOTPDaemonUnavailable, result.Text)
		case totp.OutcomeVerified:
			if result.ParkedMessage != nil {
				effectiveBody = result.ParkedMessage.Body
			} else {
				out.ReplyText = "verified"
				finish(StatusSuccess)
				return out, nil
			}
		}
	}

	scope := policy.Scope(firstNonEmpty(msg.Metadata["scope"], string(policy.ScopeTelegram)))
	tier := m.deps.PolicyEngine.ResolveTier(ctx, scope, msg.ChatID, m.deps.Identity)
	out.Tier = tier

	// Rate limiting sits on the accepting side, never trusted from the
	// caller (§4.C): consulted once the message is known not to be banned
	// or gated, before spending a classification call on it.
	if m.deps.RateLimiter != nil {
		if ok, reason := m.deps.RateLimiter.Allow(ctx, msg.SenderID); !ok {
			out.ReplyText = "rate limit exceeded, try again later"
			finish(StatusRateLimited)
			return out, newError(KindRateLimited, string(reason))
		}
	}

	// Steps 4-5 (§4.M.4/5, §4.F.3/4): fast-path regex, then LLM observer
	// behind the circuit breaker if still unresolved.
	cls := m.deps.Classifier.Classify(ctx, effectiveBody)
	out.Classification = cls.Classification
	out.Confidence = cls.Confidence

	switch cls.Classification {
	case policy.ClassBlock:
		out.ReplyText = "that request was blocked: " + cls.Reason
		finish(StatusBlocked)
		return out, newError(KindPolicyBlocked, cls.Reason)
	case policy.ClassWarn:
		nonce, aerr := m.park(ctx, scope, msg, effectiveBody, tier, cls)
		if aerr != nil {
			finish(StatusError)
			return out, aerr
		}
		out.ApprovalNonce = nonce
		out.ReplyText = "this request needs confirmation before it runs; reply to approve"
		finish(StatusBlocked)
		return out, newError(KindApprovalRequired, "classification WARN")
	}

	// Step 6 (§4.M.6): ALLOW and in-tier dispatches straight to the
	// session manager + agent runtime.
	reply, derr := m.dispatch(ctx, scope, msg, effectiveBody, tier)
	if derr != nil {
		finish(derr.Kind.statusFor())
		return out, derr
	}
	out.ReplyText = reply
	finish(StatusSuccess)
	return out, nil
}

// park implements §4.M.7: a WARN (or overridable BLOCK) classification
// creates a one-shot Approval instead of executing immediately.
func (m *Mediator) park(ctx context.Context, scope policy.Scope, msg bus.InboundMessage, body string, tier policy.Tier, cls policy.ClassifyResult) (string, *Error) {
	req, err := m.deps.Approvals.Create(ctx, string(scope), msg.ChatID, msg.SenderID, body)
	if err != nil {
		return "", newError(KindInternal, "failed to create approval")
	}
	return req.Nonce, nil
}

// ResolveApproval implements §4.M.8: a subsequent inbound message matching
// a pending nonce consumes it and dispatches the saved body with the tier
// that was pre-authorized at park time.
func (m *Mediator) ResolveApproval(ctx context.Context, nonce, chatID string, requestID string) (*Outcome, *Error) {
	start := time.Now()
	out := &Outcome{RequestID: requestID, ChatID: chatID}
	if m.deps.Tracer != nil {
		var end func()
		ctx, end, out.TraceID, out.SpanID = m.deps.Tracer.StartDispatch(ctx, requestID)
		defer end()
	}
	finish := func(status OutcomeStatus) {
		out.Status = status
		out.DurationMs = time.Since(start).Milliseconds()
		m.audit(out)
	}

	req, err := m.deps.Approvals.Redeem(ctx, nonce, chatID)
	switch err {
	case nil:
		// fall through
	case approval.ErrNotFound:
		finish(StatusError)
		return out, newError(KindApprovalAlreadyConsumed, "nonce unknown")
	case approval.ErrAlreadyConsumed:
		finish(StatusError)
		return out, newError(KindApprovalAlreadyConsumed, "nonce already consumed")
	case approval.ErrExpired:
		finish(StatusError)
		return out, newError(KindApprovalExpired, "approval expired")
	case approval.ErrWrongChat:
		finish(StatusError)
		return out, newError(KindApprovalWrongChat, "approval redeemed from the wrong chat")
	default:
		finish(StatusError)
		return out, newError(KindInternal, "approval redemption failed")
	}

	scope := policy.Scope(req.Scope)
	tier := m.deps.PolicyEngine.ResolveTier(ctx, scope, chatID, m.deps.Identity)
	out.Tier = tier

	reply, derr := m.dispatch(ctx, scope, bus.InboundMessage{Channel: m.deps.Service, SenderID: req.ActorID, ChatID: chatID}, req.Payload, tier)
	if derr != nil {
		finish(derr.Kind.statusFor())
		return out, derr
	}
	out.ReplyText = reply
	out.Classification = policy.ClassAllow
	finish(StatusSuccess)
	return out, nil
}

// dispatch resolves the session for (threadKey, poolKey), invokes the
// agent runtime, and recovers exactly once from a context-overflow error
// (§4.J, §9 scenario 5).
func (m *Mediator) dispatch(ctx context.Context, scope policy.Scope, msg bus.InboundMessage, body string, tier policy.Tier) (string, *Error) {
	threadKey := sessions.BuildThreadKey(firstNonEmpty(msg.Channel, m.deps.Service), msg.ChatID, 0)
	poolKey := sessions.BuildPoolKey(firstNonEmpty(msg.Channel, m.deps.Service), poolKindFor(scope, msg))

	sess, err := m.deps.Sessions.Upsert(ctx, threadKey, poolKey)
	if err != nil {
		return "", newError(KindInternal, "session upsert failed")
	}

	reply, rerr := m.deps.Runtime.Dispatch(ctx, sess.SessionID, scope, tier, body)
	if rerr != nil {
		if sessions.IsContextOverflow(rerr.Error()) {
			if rerr2 := m.deps.Sessions.RecoverFromOverflow(ctx, threadKey, poolKey); rerr2 != nil {
				return "", newError(KindInternal, "session recovery failed")
			}
			sess2, uerr := m.deps.Sessions.Upsert(ctx, threadKey, poolKey)
			if uerr != nil {
				return "", newError(KindInternal, "session upsert failed after recovery")
			}
			reply2, rerr2 := m.deps.Runtime.Dispatch(ctx, sess2.SessionID, scope, tier, body)
			if rerr2 != nil {
				return "", newError(KindContextOverflow, "agent runtime failed again after session reset")
			}
			return reply2, nil
		}
		if ctx.Err() != nil {
			return "", newError(KindDownstreamTimeout, "agent runtime dispatch timed out")
		}
		return "", newError(KindInternal, "agent runtime dispatch failed")
	}
	return reply, nil
}

// poolKindFor derives the pool-key suffix (§4.I/§4.J) from scope and any
// pool-kind hint the channel adapter attached to the message metadata.
func poolKindFor(scope policy.Scope, msg bus.InboundMessage) sessions.PoolKind {
	if hint, ok := msg.Metadata["pool_kind"]; ok {
		switch sessions.PoolKind(hint) {
		case sessions.PoolSocial, sessions.PoolProactive, sessions.PoolOperatorQuery, sessions.PoolAutonomous:
			return sessions.PoolKind(hint)
		}
	}
	if scope == policy.ScopeSocial {
		return sessions.PoolSocial
	}
	return sessions.PoolOperatorQuery
}

// audit writes the structured §4.M/§7 audit record for a completed
// dispatch. No separate audit store table is specified (§5 of
// SPEC_FULL.md) — this is the dedicated sink.
func (m *Mediator) audit(o *Outcome) {
	slog.Info("mediator.dispatch",
		"component", "audit",
		"request_id", o.RequestID,
		"trace_id", o.TraceID,
		"span_id", o.SpanID,
		"chat_id", o.ChatID,
		"classification", o.Classification,
		"confidence", o.Confidence,
		"tier", o.Tier,
		"outcome", o.Status,
		"duration_ms", o.DurationMs,
	)
}

func (k Kind) statusFor() OutcomeStatus {
	switch k {
	case KindDownstreamTimeout:
		return StatusTimeout
	case KindRateLimited:
		return StatusRateLimited
	case KindPolicyBlocked, KindSensitivePath, KindPathOutsideSandbox, KindApprovalRequired:
		return StatusBlocked
	default:
		return StatusError
	}
}

func firstMedia(media []string) string {
	if len(media) == 0 {
		return ""
	}
	return media[0]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinPatterns(patterns []string) string {
	out := ""
	for i, p := range patterns {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
