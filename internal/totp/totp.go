// Package totp implements the TOTP re-authentication gate (§4.H): a client
// to an external TOTP verification daemon (the daemon itself, and how it
// validates codes, is out of kernel scope — §6 non-goals). The gate's job is
// the fail-closed dial-and-verify contract: when the daemon is unreachable
// and the requesting actor has a linked identity, the gate must deny rather
// than allow, matching the kernel's "ambiguity denies" posture used
// throughout the path-safety and policy packages.
package totp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrDaemonUnreachable = errors.New("totp: daemon unreachable")
	ErrChallengeDenied   = errors.New("totp: challenge denied")
)

// IdentityLinker reports whether actorID has an identity link registered
// with the TOTP daemon (e.g. previously completed enrollment). When an actor
// has no link, the gate has nothing to fail closed on — it simply can't
// step them up, and callers decide what that means for the requested tier.
type IdentityLinker interface {
	HasLink(actorID string) bool
}

// Gate dials the daemon's unix socket for each challenge; it holds no
// persistent connection since challenges are rare (step-up auth, not every
// request).
type Gate struct {
	SocketPath  string
	DialTimeout time.Duration
	FailClosed  bool
	Linker      IdentityLinker
}

func New(socketPath string, dialTimeout time.Duration, failClosed bool, linker IdentityLinker) *Gate {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return &Gate{SocketPath: socketPath, DialTimeout: dialTimeout, FailClosed: failClosed, Linker: linker}
}

type challengeRequest struct {
	ActorID string `json:"actor_id"`
	Code    string `json:"code"`
}

type challengeResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Verify submits code for actorID to the daemon and returns whether it was
// accepted. If the daemon cannot be reached:
//   - and FailClosed is true and the actor has a linked identity, Verify
//     returns (false, ErrDaemonUnreachable) — denial, not fallback-allow.
//   - and the actor has no linked identity, there's nothing to step up, so
//     Verify returns (false, ErrDaemonUnreachable) regardless of FailClosed;
//     an unlinked actor can never pass a TOTP challenge.
func (g *Gate) Verify(ctx context.Context, actorID, code string) (bool, error) {
	conn, err := (&net.Dialer{Timeout: g.DialTimeout}).DialContext(ctx, "unix", g.SocketPath)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(g.DialTimeout))
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(challengeRequest{ActorID: actorID, Code: code}); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}

	var resp challengeResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}

	if !resp.Approved {
		return false, ErrChallengeDenied
	}
	return true, nil
}

type statusRequest struct {
	ActorID string `json:"actor_id"`
	Query   string `json:"query"`
}

type statusResponse struct {
	Configured bool `json:"configured"`
}

// Configured asks the daemon whether actorID has TOTP enrollment
// configured at all. Daemon-unreachable is reported as an error so the
// caller can apply its own fail-closed/fail-open policy rather than this
// method silently picking one.
func (g *Gate) Configured(ctx context.Context, actorID string) (bool, error) {
	conn, err := (&net.Dialer{Timeout: g.DialTimeout}).DialContext(ctx, "unix", g.SocketPath)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(g.DialTimeout))
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(statusRequest{ActorID: actorID, Query: "configured"}); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}

	var resp statusResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	return resp.Configured, nil
}

// ShouldFailClosed reports whether a Verify failure for actorID must be
// treated as a hard deny for the surrounding operation, per §4.H: fail
// closed only applies when the actor has an identity link — an
// unenrolled actor was never going to pass a TOTP gate anyway, so the
// surrounding policy should treat "no link" as "step-up unavailable",
// not as an incident.
func (g *Gate) ShouldFailClosed(actorID string) bool {
	if g.Linker != nil && !g.Linker.HasLink(actorID) {
		return false
	}
	return g.FailClosed
}
