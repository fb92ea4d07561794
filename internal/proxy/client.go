package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings tunes the per-host circuit breakers.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long an open breaker rejects before a probe.
	OpenTimeout time.Duration
	// Interval clears the closed-state counts.
	Interval time.Duration
}

// DefaultBreakerSettings mirrors the outbound client defaults used elsewhere.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		Interval:            60 * time.Second,
	}
}

// WebhookClient wraps the outbound *http.Client with one circuit breaker per
// webhook host. Only transport errors count as failures: a webhook answering
// 500 is reachable and its answer is relayed, so it must not trip anything.
type WebhookClient struct {
	client   *http.Client
	settings BreakerSettings
	logger   *slog.Logger
	breakers sync.Map // host -> *gobreaker.CircuitBreaker[*http.Response]
}

var _ HTTPDoer = (*WebhookClient)(nil)

func NewWebhookClient(client *http.Client, settings BreakerSettings, logger *slog.Logger) *WebhookClient {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultBreakerSettings().ConsecutiveFailures
	}
	return &WebhookClient{client: client, settings: settings, logger: logger}
}

// Do sends req through the breaker for its host. An open breaker fails fast
// with gobreaker.ErrOpenState, which the proxy treats as a transport failure.
func (c *WebhookClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.breaker(req.URL.Host).Execute(func() (*http.Response, error) {
		return c.client.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", req.URL.Host, err)
	}
	return resp, nil
}

// State reports the breaker state for host. Hosts never contacted are closed.
func (c *WebhookClient) State(host string) gobreaker.State {
	if cb, ok := c.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker[*http.Response]).State()
	}
	return gobreaker.StateClosed
}

func (c *WebhookClient) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	if cb, ok := c.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker[*http.Response])
	}
	threshold := c.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    c.settings.Interval,
		Timeout:     c.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("webhook circuit breaker state changed",
				"host", name, "from", from.String(), "to", to.String())
		},
	})
	actual, _ := c.breakers.LoadOrStore(host, cb)
	return actual.(*gobreaker.CircuitBreaker[*http.Response])
}
