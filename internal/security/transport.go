// Package security builds the outbound HTTP client used for webhook delivery.
// When SSRF protection is on, every dial and every redirect target is
// resolved and checked against types.SSRFBlockedCIDRs so a registered webhook
// cannot reach cloud metadata, loopback or private ranges.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"eventbroker/internal/types"
)

const dnsTimeout = 500 * time.Millisecond

var (
	ErrSSRFBlocked          = errors.New("ssrf: request to blocked IP range")
	ErrSSRFDNSTimeout       = errors.New("ssrf: DNS resolution timeout")
	ErrSSRFDNSFailed        = errors.New("ssrf: DNS resolution failed")
	ErrSSRFTooManyRedirects = errors.New("ssrf: too many redirects")
)

var (
	blockedNets     []*net.IPNet
	blockedNetsOnce sync.Once
	blockedNetsErr  error
)

func loadBlockedNets() error {
	blockedNetsOnce.Do(func() {
		for _, cidr := range types.SSRFBlockedCIDRs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				blockedNetsErr = fmt.Errorf("ssrf: failed to parse CIDR %q: %w", cidr, err)
				return
			}
			blockedNets = append(blockedNets, ipNet)
		}
	})
	return blockedNetsErr
}

func isBlockedIP(ip net.IP) bool {
	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// guard resolves hosts and rejects any that map into a blocked range.
type guard struct {
	resolver Resolver
}

// allowedIPs returns the addresses host may be dialed at. All of them must be
// public; one blocked address rejects the host, which defeats DNS answers
// that mix a public and a private record.
func (g guard) allowedIPs(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrSSRFBlocked, ip)
		}
		return []net.IP{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrSSRFDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrSSRFDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrSSRFDNSFailed, host)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if isBlockedIP(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrSSRFBlocked, a.IP, host)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// dialContext dials one of the vetted addresses directly so the connection
// cannot be re-resolved to something else between check and dial.
func (g guard) dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
		}
		ips, err := g.allowedIPs(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// ClientOptions configures NewWebhookClient.
type ClientOptions struct {
	Timeout time.Duration
	// MaxRedirects of 0 disables following: the 3xx response itself is
	// returned to the caller.
	MaxRedirects   int
	SSRFProtection bool
	// Resolver overrides DNS resolution. Nil uses net.DefaultResolver.
	Resolver Resolver
}

// NewWebhookClient returns an *http.Client for webhook delivery.
func NewWebhookClient(opts ClientOptions) (*http.Client, error) {
	if err := loadBlockedNets(); err != nil {
		return nil, err
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	g := guard{resolver: resolver}

	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: time.Second,
	}
	if opts.SSRFProtection {
		transport.DialContext = g.dialContext(dialer)
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       opts.Timeout,
		CheckRedirect: checkRedirect(opts.MaxRedirects, opts.SSRFProtection, g),
	}, nil
}

func checkRedirect(maxRedirects int, protect bool, g guard) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if maxRedirects <= 0 {
			return http.ErrUseLastResponse
		}
		if len(via) > maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrSSRFTooManyRedirects, maxRedirects)
		}
		if !protect {
			return nil
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrSSRFBlocked)
		}
		_, err := g.allowedIPs(req.Context(), host)
		return err
	}
}
