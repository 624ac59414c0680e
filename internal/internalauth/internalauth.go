// Package internalauth implements request signing and verification for
// intra-process RPC between kernel components and the sandboxed agent
// process (§4.B). Two signing modes are supported: "hmac" for symmetric,
// intra-process peers that share a secret, and "ed25519" for asymmetric,
// one-way trust where the verifier holds only a public key.
//
// The signed byte string and header names are adapted from the tenant
// header signing scheme in toolbridge-api's internal/auth package —
// timestamp + nonce + HMAC-SHA256 over a canonical message, constant-time
// compared — extended with a scope field and an Ed25519 signing mode.
package internalauth

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	HeaderTimestamp = "X-Telclaude-Timestamp"
	HeaderNonce     = "X-Telclaude-Nonce"
	HeaderScope     = "X-Telclaude-Scope"
	HeaderSignature = "X-Telclaude-Signature"
)

var (
	ErrMissingHeader    = errors.New("internalauth: missing required header")
	ErrInvalidTimestamp = errors.New("internalauth: invalid timestamp")
	ErrTimestampSkew     = errors.New("internalauth: timestamp outside acceptable window")
	ErrInvalidSignature  = errors.New("internalauth: signature verification failed")
	ErrNonceReplayed     = errors.New("internalauth: nonce already used")
	ErrUnknownScope      = errors.New("internalauth: unknown scope")
)

// Mode selects the signing algorithm for a scope.
type Mode string

const (
	ModeHMAC    Mode = "hmac"
	ModeEd25519 Mode = "ed25519"
)

// Signer signs outbound requests on behalf of one scope.
type Signer struct {
	Scope      string
	Mode       Mode
	HMACSecret []byte
	PrivateKey ed25519.PrivateKey
}

// canonicalMessage builds the signed byte string:
// METHOD\nPATH\nbody-sha256\ntimestamp\nnonce\nscope
func canonicalMessage(method, path string, body []byte, timestamp, nonce, scope string) []byte {
	bodySum := sha256.Sum256(body)
	msg := fmt.Sprintf("%s\n%s\n%x\n%s\n%s\n%s", method, path, bodySum, timestamp, nonce, scope)
	return []byte(msg)
}

// Sign computes the signature and sets the four internal-auth headers on req.
// nonce must be unique per request (caller-supplied, typically a uuid).
func (s *Signer) Sign(req *http.Request, body []byte, nonce string) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := canonicalMessage(req.Method, req.URL.Path, body, ts, nonce, s.Scope)

	var sigHex string
	switch s.Mode {
	case ModeHMAC:
		mac := hmac.New(sha256.New, s.HMACSecret)
		mac.Write(msg)
		sigHex = hex.EncodeToString(mac.Sum(nil))
	case ModeEd25519:
		sig := ed25519.Sign(s.PrivateKey, msg)
		sigHex = hex.EncodeToString(sig)
	default:
		return fmt.Errorf("internalauth: unknown signing mode %q", s.Mode)
	}

	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderScope, s.Scope)
	req.Header.Set(HeaderSignature, sigHex)
	return nil
}

// ScopeKey describes how a verifier checks signatures for one scope.
type ScopeKey struct {
	Mode      Mode
	Secret    []byte          // HMAC shared secret
	PublicKey ed25519.PublicKey
}

// NonceStore tracks recently-seen nonces to reject replays. It is an
// in-memory, TTL-expiring set — adequate for a single kernel process; a
// multi-process deployment would back this with the persistent store
// instead (§4.A), but the kernel mediates from one process (§1).
type NonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	stopCh chan struct{}
}

func NewNonceStore(ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ns := &NonceStore{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go ns.cleanupLoop()
	return ns
}

// CheckAndRecord returns ErrNonceReplayed if nonce was already recorded
// within the TTL window, otherwise records it and returns nil.
func (ns *NonceStore) CheckAndRecord(scope, nonce string) error {
	key := scope + ":" + nonce
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if exp, ok := ns.seen[key]; ok && time.Now().Before(exp) {
		return ErrNonceReplayed
	}
	ns.seen[key] = time.Now().Add(ns.ttl)
	return nil
}

func (ns *NonceStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			ns.mu.Lock()
			for k, exp := range ns.seen {
				if now.After(exp) {
					delete(ns.seen, k)
				}
			}
			ns.mu.Unlock()
		case <-ns.stopCh:
			return
		}
	}
}

func (ns *NonceStore) Close() { close(ns.stopCh) }

// Verifier validates signed requests against a set of known scopes.
type Verifier struct {
	Scopes      map[string]ScopeKey
	Nonces      *NonceStore
	MaxSkew     time.Duration
}

func NewVerifier(scopes map[string]ScopeKey, nonces *NonceStore, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{Scopes: scopes, Nonces: nonces, MaxSkew: maxSkew}
}

// Verify checks the internal-auth headers on req against body, returning the
// validated scope name on success. It fails closed on any ambiguity:
// missing headers, unknown scope, clock skew, or replay are all rejected.
func (v *Verifier) Verify(req *http.Request, body []byte) (string, error) {
	scope := req.Header.Get(HeaderScope)
	ts := req.Header.Get(HeaderTimestamp)
	nonce := req.Header.Get(HeaderNonce)
	sig := req.Header.Get(HeaderSignature)

	if scope == "" || ts == "" || nonce == "" || sig == "" {
		return "", ErrMissingHeader
	}

	key, ok := v.Scopes[scope]
	if !ok {
		return "", ErrUnknownScope
	}

	tsMs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", ErrInvalidTimestamp
	}
	requestTime := time.UnixMilli(tsMs)
	if skew := time.Since(requestTime); skew > v.MaxSkew || skew < -v.MaxSkew {
		return "", ErrTimestampSkew
	}

	msg := canonicalMessage(req.Method, req.URL.Path, body, ts, nonce, scope)

	switch key.Mode {
	case ModeHMAC:
		mac := hmac.New(sha256.New, key.Secret)
		mac.Write(msg)
		expected := hex.EncodeToString(mac.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
			return "", ErrInvalidSignature
		}
	case ModeEd25519:
		sigBytes, err := hex.DecodeString(sig)
		if err != nil {
			return "", ErrInvalidSignature
		}
		if !ed25519.Verify(key.PublicKey, msg, sigBytes) {
			return "", ErrInvalidSignature
		}
	default:
		return "", fmt.Errorf("internalauth: scope %q has unknown mode %q", scope, key.Mode)
	}

	if v.Nonces != nil {
		if err := v.Nonces.CheckAndRecord(scope, nonce); err != nil {
			return "", err
		}
	}

	return scope, nil
}
