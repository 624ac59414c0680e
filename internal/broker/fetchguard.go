package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	ErrBlockedHost     = errors.New("fetchguard: resolved address is not allowed")
	ErrTooManyRedirects = errors.New("fetchguard: too many redirects")
)

// metadataAddrs are well-known cloud-metadata endpoints that must never be
// reachable from an outbound capability call, even though 169.254.0.0/16 is
// already link-local and would be rejected by isBlockedIP alone — kept
// explicit so the check reads as "no metadata service", not just "no
// link-local".
var metadataAddrs = []string{"169.254.169.254", "metadata.google.internal"}

// isBlockedIP reports whether ip must never be dialed on behalf of the
// agent: loopback, private (RFC1918/RFC4193), link-local, or unspecified.
func isBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}

// FetchGuard builds an *http.Client whose dialer resolves the hostname
// itself (DNS-pinning) and rejects private/metadata addresses before
// connecting, and whose redirect policy re-validates every hop the same
// way — a redirect to a private address is blocked exactly like a direct
// request would be.
type FetchGuard struct {
	Timeout  time.Duration
	MaxBytes int64
	// AllowPrivate permits dialing private/loopback addresses, for
	// operators running capability providers on their own intranet or
	// localhost. Off by default — the SSRF protection only relaxes when
	// explicitly configured to trust the local network.
	AllowPrivate bool
}

func NewFetchGuard(timeout time.Duration, maxBytes int64) *FetchGuard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &FetchGuard{Timeout: timeout, MaxBytes: maxBytes}
}

func (g *FetchGuard) resolver() *net.Resolver {
	return net.DefaultResolver
}

// dialContext resolves host, rejects any blocked resolved address, and
// dials the first allowed one directly by IP — so the TLS/HTTP layer never
// gets a chance to re-resolve the hostname to something else (TOCTOU via a
// second DNS lookup between check and connect).
func (g *FetchGuard) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	for _, m := range metadataAddrs {
		if host == m {
			return nil, fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
	}

	ips, err := g.resolver().LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	var dialErr error
	for _, ipAddr := range ips {
		if isBlockedIP(ipAddr.IP) && !g.AllowPrivate {
			continue
		}
		conn, err := (&net.Dialer{Timeout: g.Timeout}).DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		dialErr = err
	}
	if dialErr != nil {
		return nil, dialErr
	}
	return nil, fmt.Errorf("%w: %s resolves only to blocked addresses", ErrBlockedHost, host)
}

// Client returns an http.Client whose transport dials through
// dialContext and whose redirect policy re-runs the same resolution check
// on every Location header before following it.
func (g *FetchGuard) Client() *http.Client {
	transport := &http.Transport{
		DialContext:         g.dialContext,
		TLSHandshakeTimeout:  g.Timeout,
		ResponseHeaderTimeout: g.Timeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   g.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return ErrTooManyRedirects
			}
			// DialContext re-validates the redirect target's resolved
			// address on the follow-up request; nothing extra is needed
			// here beyond bounding the hop count.
			return nil
		},
	}
}

// LimitedReader caps how many bytes a streamed download may write before
// it is cut off, implementing the broker's running-size check for
// streamed provider-proxy bodies (§4.K).
type LimitedReader struct {
	R io.Reader
	N int64
}

var ErrBodyTooLarge = errors.New("fetchguard: response body exceeds the configured size cap")

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.N <= 0 {
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > l.N {
		p = p[:l.N]
	}
	n, err := l.R.Read(p)
	l.N -= int64(n)
	return n, err
}
