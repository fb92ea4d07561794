package pubsub

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbroker/internal/config"
	"eventbroker/internal/metrics"
	"eventbroker/internal/types"
)

const (
	testAudience = "https://broker.test.local/v1/proxy"
	testIssuer   = "https://accounts.google.com"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// jwksServer serves a JWK set containing the public halves of keys.
type jwksServer struct {
	*httptest.Server
	mu     sync.Mutex
	keys   map[string]*rsa.PrivateKey
	hits   atomic.Int32
	status int
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: map[string]*rsa.PrivateKey{}, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status != http.StatusOK {
			w.WriteHeader(s.status)
			return
		}
		set := jose.JSONWebKeySet{}
		for kid, k := range s.keys {
			set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"})
		}
		w.Header().Set("Cache-Control", "public, max-age=600, must-revalidate")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) addKey(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s.mu.Lock()
	s.keys[kid] = k
	s.mu.Unlock()
	return k
}

func (s *jwksServer) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

type tokenOpts struct {
	kid      string
	issuer   string
	audience string
	exp      time.Time
	noExp    bool
	method   jwt.SigningMethod
}

func signToken(t *testing.T, key *rsa.PrivateKey, o tokenOpts) string {
	t.Helper()
	if o.issuer == "" {
		o.issuer = testIssuer
	}
	if o.audience == "" {
		o.audience = testAudience
	}
	if o.exp.IsZero() {
		o.exp = testNow.Add(time.Hour)
	}
	if o.method == nil {
		o.method = jwt.SigningMethodRS256
	}
	claims := jwt.MapClaims{
		"iss":            o.issuer,
		"aud":            o.audience,
		"sub":            "112233",
		"email":          "pubsub@project.iam.gserviceaccount.com",
		"email_verified": true,
		"iat":            testNow.Unix(),
	}
	if !o.noExp {
		claims["exp"] = o.exp.Unix()
	}
	tok := jwt.NewWithClaims(o.method, claims)
	if o.kid != "" {
		tok.Header["kid"] = o.kid
	}
	var signKey any = key
	if o.method == jwt.SigningMethodHS256 {
		signKey = []byte("shared-secret")
	}
	signed, err := tok.SignedString(signKey)
	require.NoError(t, err)
	return signed
}

func testPubSubConfig() config.PubSubConfig {
	return config.PubSubConfig{
		Authenticate: true,
		Audience:     testAudience,
		Issuers:      []string{"https://accounts.google.com", "accounts.google.com"},
	}
}

func newTestAuthenticator(t *testing.T, cfg config.PubSubConfig, srv *jwksServer, rec metrics.Recorder) *Authenticator {
	t.Helper()
	var keys KeySource
	if srv != nil {
		keys = NewJWKSCache(srv.URL, discardLogger(), WithClock(types.FixedClock{T: testNow}))
	}
	a, err := NewAuthenticator(cfg, keys, rec, discardLogger(), types.FixedClock{T: testNow})
	require.NoError(t, err)
	return a
}

func pushRequest(target, token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "expected *types.AppError, got %T (%v)", err, err)
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, appErr.Code)
	assert.Equal(t, "unauthorized", appErr.Message)
	assert.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus())
	assert.Nil(t, appErr.Err, "the failure reason must not travel with the error")
}

func TestAuthenticateValidToken(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "g1")
	a := newTestAuthenticator(t, testPubSubConfig(), srv, nil)

	p, err := a.Authenticate(pushRequest("/v1/proxy/abc123", signToken(t, key, tokenOpts{kid: "g1"})))
	require.NoError(t, err)
	assert.True(t, p.Verified)
	assert.Equal(t, "112233", p.Subject)
	assert.Equal(t, "pubsub@project.iam.gserviceaccount.com", p.Email)
	assert.Equal(t, testIssuer, p.Issuer)
}

func TestAuthenticateAcceptsBareIssuer(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "g1")
	a := newTestAuthenticator(t, testPubSubConfig(), srv, nil)

	_, err := a.Authenticate(pushRequest("/v1/proxy/abc123",
		signToken(t, key, tokenOpts{kid: "g1", issuer: "accounts.google.com"})))
	assert.NoError(t, err)
}

func TestAuthenticateRejections(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "g1")
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "not.a.jwt"},
		{"wrong audience", signToken(t, key, tokenOpts{kid: "g1", audience: "https://elsewhere"})},
		{"wrong issuer", signToken(t, key, tokenOpts{kid: "g1", issuer: "https://evil.example"})},
		{"expired", signToken(t, key, tokenOpts{kid: "g1", exp: testNow.Add(-time.Hour)})},
		{"no exp", signToken(t, key, tokenOpts{kid: "g1", noExp: true})},
		{"no kid", signToken(t, key, tokenOpts{})},
		{"unknown kid", signToken(t, key, tokenOpts{kid: "g9"})},
		{"wrong key", signToken(t, other, tokenOpts{kid: "g1"})},
		{"hmac algorithm", signToken(t, key, tokenOpts{kid: "g1", method: jwt.SigningMethodHS256})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &metrics.MemoryRecorder{}
			a := newTestAuthenticator(t, testPubSubConfig(), srv, rec)

			p, err := a.Authenticate(pushRequest("/v1/proxy/abc123", tt.token))
			assert.Nil(t, p)
			assertUnauthorized(t, err)
			assert.Len(t, rec.Counts(types.MetricAuthFailure), 1)
		})
	}
}

func TestAuthenticateWithinLeeway(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "g1")
	a := newTestAuthenticator(t, testPubSubConfig(), srv, nil)

	_, err := a.Authenticate(pushRequest("/v1/proxy/abc123",
		signToken(t, key, tokenOpts{kid: "g1", exp: testNow.Add(-10 * time.Second)})))
	assert.NoError(t, err)
}

func TestAuthenticateVerificationToken(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "g1")
	cfg := testPubSubConfig()
	cfg.VerificationToken = "s3cret"
	a := newTestAuthenticator(t, cfg, srv, nil)
	bearer := signToken(t, key, tokenOpts{kid: "g1"})

	_, err := a.Authenticate(pushRequest("/v1/proxy/abc123?token=s3cret", bearer))
	assert.NoError(t, err)

	_, err = a.Authenticate(pushRequest("/v1/proxy/abc123?token=wrong", bearer))
	assertUnauthorized(t, err)

	_, err = a.Authenticate(pushRequest("/v1/proxy/abc123", bearer))
	assertUnauthorized(t, err)
}

func TestAuthenticateDisabled(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "g1")
	cfg := config.PubSubConfig{Authenticate: false}
	a := newTestAuthenticator(t, cfg, nil, nil)

	t.Run("no token", func(t *testing.T) {
		p, err := a.Authenticate(pushRequest("/v1/proxy/abc123", ""))
		require.NoError(t, err)
		assert.False(t, p.Verified)
	})

	t.Run("unverified token is parsed", func(t *testing.T) {
		// Signed with a key the broker never sees and expired: still accepted.
		tok := signToken(t, key, tokenOpts{kid: "g1", audience: "https://elsewhere", exp: testNow.Add(-time.Hour)})
		p, err := a.Authenticate(pushRequest("/v1/proxy/abc123", tok))
		require.NoError(t, err)
		assert.False(t, p.Verified)
		assert.Equal(t, "112233", p.Subject)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := a.Authenticate(pushRequest("/v1/proxy/abc123", "garbage"))
		assertUnauthorized(t, err)
	})

	assert.Zero(t, srv.hits.Load(), "disabled authentication never fetches keys")
}

func TestNewAuthenticatorValidation(t *testing.T) {
	_, err := NewAuthenticator(testPubSubConfig(), nil, nil, discardLogger(), nil)
	assert.Error(t, err)

	cfg := testPubSubConfig()
	cfg.Audience = ""
	_, err = NewAuthenticator(cfg, NewJWKSCache("http://unused", discardLogger()), nil, discardLogger(), nil)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"BEARER  abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := bearerToken(tt.header)
		assert.Equal(t, tt.token, token, tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
	}
}

func TestJWKSCacheCachesUntilMaxAge(t *testing.T) {
	srv := newJWKSServer(t)
	srv.addKey(t, "g1")

	clock := &steppingClock{now: testNow}
	cache := NewJWKSCache(srv.URL, discardLogger(), WithClock(clock))

	for range 5 {
		_, err := cache.Key(context.Background(), "g1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.hits.Load())

	clock.advance(11 * time.Minute)
	_, err := cache.Key(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestJWKSCacheRefreshesOnUnknownKid(t *testing.T) {
	srv := newJWKSServer(t)
	srv.addKey(t, "g1")

	clock := &steppingClock{now: testNow}
	cache := NewJWKSCache(srv.URL, discardLogger(), WithClock(clock), WithMinRefreshGap(time.Minute))

	_, err := cache.Key(context.Background(), "g1")
	require.NoError(t, err)

	// Rotated key appears upstream, but refreshes are rate limited.
	srv.addKey(t, "g2")
	_, err = cache.Key(context.Background(), "g2")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Equal(t, int32(1), srv.hits.Load())

	clock.advance(2 * time.Minute)
	_, err = cache.Key(context.Background(), "g2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestJWKSCacheServesStaleOnFailure(t *testing.T) {
	srv := newJWKSServer(t)
	srv.addKey(t, "g1")

	clock := &steppingClock{now: testNow}
	cache := NewJWKSCache(srv.URL, discardLogger(), WithClock(clock))
	_, err := cache.Key(context.Background(), "g1")
	require.NoError(t, err)

	srv.setStatus(http.StatusServiceUnavailable)
	clock.advance(time.Hour)

	_, err = cache.Key(context.Background(), "g1")
	assert.NoError(t, err)

	_, err = cache.Key(context.Background(), "g2")
	assert.Error(t, err)
}

func TestJWKSCacheFetchFailure(t *testing.T) {
	srv := newJWKSServer(t)
	srv.setStatus(http.StatusInternalServerError)

	cache := NewJWKSCache(srv.URL, discardLogger())
	_, err := cache.Key(context.Background(), "g1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownKey)
}

func TestJWKSCacheCollapsesConcurrentRefreshes(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: "g1"}}})
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, discardLogger())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Key(context.Background(), "g1")
			assert.NoError(t, err)
		}()
	}
	assert.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestMaxAge(t *testing.T) {
	assert.Equal(t, 600*time.Second, maxAge("public, max-age=600, must-revalidate"))
	assert.Equal(t, 30*time.Second, maxAge(`max-age="30"`))
	assert.Equal(t, defaultJWKSMaxAge, maxAge("no-cache"))
	assert.Equal(t, defaultJWKSMaxAge, maxAge("max-age=abc"))
	assert.Equal(t, defaultJWKSMaxAge, maxAge(""))
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
