// Package mediator implements the top-level orchestration described in
// §4.M: for every inbound message it runs the infra-secret check, the ban
// list, the TOTP gate, the fast-path/LLM classifier, and either dispatches
// to the session manager or parks an approval for out-of-band human
// sign-off. It is the one place that knows the full pipeline order; every
// other package only knows its own step.
package mediator

// Kind enumerates the error kinds named in §7. A boundary function never
// panics for an expected policy outcome — it returns a *Error with one of
// these kinds, which the caller maps to a user-visible message or an HTTP
// status without ever exposing internals.
type Kind string

const (
	KindAuthFailure             Kind = "AuthFailure"
	KindRateLimited             Kind = "RateLimited"
	KindPolicyBlocked           Kind = "PolicyBlocked"
	KindApprovalRequired        Kind = "ApprovalRequired"
	KindApprovalExpired         Kind = "ApprovalExpired"
	KindApprovalAlreadyConsumed Kind = "ApprovalAlreadyConsumed"
	KindApprovalWrongChat       Kind = "ApprovalWrongChat"
	KindTOTPDaemonUnavailable   Kind = "TOTPDaemonUnavailable"
	KindInvalidTOTPCode         Kind = "InvalidTOTPCode"
	KindCircuitOpen             Kind = "CircuitOpen"
	KindDownstreamTimeout       Kind = "DownstreamTimeout"
	KindContextOverflow         Kind = "ContextOverflow"
	KindPathOutsideSandbox      Kind = "PathOutsideSandbox"
	KindSensitivePath           Kind = "SensitivePath"
	KindNotConfigured           Kind = "NotConfigured"
	KindMalformedRequest        Kind = "MalformedRequest"
	KindBodyTooLarge            Kind = "BodyTooLarge"
	KindInternal                Kind = "Internal"
)

// Error is the discriminated result every Mediator boundary function
// returns instead of throwing. Reason is always safe to show a user: no
// stack traces, no request bodies, no matched secret bytes (§7).
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Reason }

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}
