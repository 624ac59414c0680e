package totp

import (
	"context"
	"regexp"
)

// Outcome is the result of running an inbound message through the TOTP
// re-authentication gate (§4.H).
type Outcome string

const (
	OutcomePass        Outcome = "pass"
	OutcomeChallenge    Outcome = "challenge"
	OutcomeVerified     Outcome = "verified"
	OutcomeInvalidCode  Outcome = "invalid_code"
	OutcomeError        Outcome = "error"
)

// Result carries the gate's decision and whatever the caller needs to act
// on it: guidance text for a challenge, or a previously parked message
// that can now be replayed once the chat verifies.
type Result struct {
	Outcome       Outcome
	Text          string
	ParkedMessage *PendingMessage
}

var sixDigitCode = regexp.MustCompile(`^\d{6}$`)

// AuthGate wires the daemon client (Gate) to the session/pending-message
// Store, implementing the full checkTOTPAuthGate state machine.
type AuthGate struct {
	gate  *Gate
	store *Store
}

func NewAuthGate(gate *Gate, store *Store) *AuthGate {
	return &AuthGate{gate: gate, store: store}
}

// Check runs one inbound message through the gate. localUserID is the
// identity-linked user for chatID, or "" if the chat has no link.
func (a *AuthGate) Check(ctx context.Context, chatID, localUserID, messageID, body, mediaRef, senderRef string) (*Result, error) {
	if localUserID != "" {
		ok, err := a.store.HasValidSession(ctx, localUserID)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Result{Outcome: OutcomePass}, nil
		}
	}

	configured, err := a.gate.Configured(ctx, chatID)
	if err != nil {
		if localUserID != "" {
			return &Result{Outcome: OutcomeError, Text: "re-authentication is temporarily unavailable"}, nil
		}
		// No identity link means there was never anything to step up —
		// treat daemon loss the same as "not configured".
		return &Result{Outcome: OutcomePass}, nil
	}
	if !configured {
		return &Result{Outcome: OutcomePass}, nil
	}

	if sixDigitCode.MatchString(body) {
		ok, err := a.gate.Verify(ctx, chatID, body)
		if err != nil && err != ErrChallengeDenied {
			return &Result{Outcome: OutcomeError, Text: "re-authentication is temporarily unavailable"}, nil
		}
		if !ok {
			return &Result{Outcome: OutcomeInvalidCode, Text: "that code didn't work, try again"}, nil
		}
		if localUserID != "" {
			if err := a.store.CreateSession(ctx, localUserID); err != nil {
				return nil, err
			}
		}
		parked, err := a.store.TakePending(ctx, chatID)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeVerified, ParkedMessage: parked}, nil
	}

	if err := a.store.Park(ctx, chatID, messageID, body, mediaRef, senderRef); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeChallenge, Text: "send your 6-digit authentication code to continue"}, nil
}

// ForceReauth invalidates localUserID's TOTP session, per the admin
// force-reauth CLI command.
func (a *AuthGate) ForceReauth(ctx context.Context, localUserID string) error {
	return a.store.InvalidateSession(ctx, localUserID)
}
