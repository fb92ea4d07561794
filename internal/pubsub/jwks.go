package pubsub

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"eventbroker/internal/types"
)

const (
	defaultJWKSMaxAge    = time.Hour
	defaultFetchTimeout  = 5 * time.Second
	defaultMinRefreshGap = time.Minute
	maxJWKSBytes         = 1 << 20
)

// ErrUnknownKey means no key with the requested kid exists after a refresh.
var ErrUnknownKey = errors.New("pubsub: unknown signing key")

// KeySource resolves the public key a token header's kid names.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

type keySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
	expiresAt time.Time
}

// JWKSCache fetches a remote JWK set and caches it until the response's
// max-age passes. An unknown kid forces a refresh at most once per
// minRefreshGap. Concurrent refreshes collapse into one fetch.
type JWKSCache struct {
	url     string
	client  *http.Client
	timeout time.Duration
	minGap  time.Duration
	clock   types.Clock
	logger  *slog.Logger

	current atomic.Pointer[keySet]
	group   singleflight.Group
}

// JWKSOption customizes a JWKSCache.
type JWKSOption func(*JWKSCache)

func WithHTTPClient(c *http.Client) JWKSOption { return func(j *JWKSCache) { j.client = c } }
func WithClock(c types.Clock) JWKSOption       { return func(j *JWKSCache) { j.clock = c } }
func WithMinRefreshGap(d time.Duration) JWKSOption {
	return func(j *JWKSCache) { j.minGap = d }
}

func NewJWKSCache(url string, logger *slog.Logger, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:     url,
		client:  http.DefaultClient,
		timeout: defaultFetchTimeout,
		minGap:  defaultMinRefreshGap,
		clock:   types.RealClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the cached key for kid, refreshing the set when it has expired
// or does not contain kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	now := c.clock.Now()
	set := c.current.Load()

	if set != nil && now.Before(set.expiresAt) {
		if k, ok := set.keys[kid]; ok {
			return k, nil
		}
		if now.Sub(set.fetchedAt) < c.minGap {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		// Keep verifying against a stale set rather than failing every push
		// while the JWKS endpoint is down.
		if set != nil {
			if k, ok := set.keys[kid]; ok {
				c.logger.Warn("jwks refresh failed, using stale key set", "error", err.Error())
				return k, nil
			}
		}
		return nil, err
	}
	if k, ok := fresh.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

func (c *JWKSCache) refresh(ctx context.Context) (*keySet, error) {
	v, err, _ := c.group.Do("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		set, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.current.Store(set)
		c.logger.Debug("jwks refreshed", "keys", len(set.keys), "expires_at", set.expiresAt)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

func (c *JWKSCache) fetch(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pubsub: fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pubsub: fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var jwks jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("pubsub: decode jwks: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.KeyID == "" || (k.Use != "" && k.Use != "sig") || !k.IsPublic() {
			continue
		}
		keys[k.KeyID] = k.Key
	}
	if len(keys) == 0 {
		return nil, errors.New("pubsub: jwks contains no usable signing keys")
	}

	now := c.clock.Now()
	return &keySet{
		keys:      keys,
		fetchedAt: now,
		expiresAt: now.Add(maxAge(resp.Header.Get("Cache-Control"))),
	}, nil
}

// maxAge extracts the max-age directive, defaulting when it is absent or
// unparseable.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || secs <= 0 {
			break
		}
		return time.Duration(secs) * time.Second
	}
	return defaultJWKSMaxAge
}
