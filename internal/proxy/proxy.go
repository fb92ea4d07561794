// Package proxy relays one push-delivered notification to the subscriber's
// webhook as a signed Security Event Token and hands the webhook's response
// back to the caller.
//
// Failure handling is asymmetric. An unknown subscriber, a malformed payload
// or an unsupported event kind is terminal and returned as a *types.AppError
// with a 4xx code. A delivery that produced no HTTP response at all is
// returned as a plain error wrapping ErrDownstreamTransport, which the HTTP
// chassis maps to 500 so the transport redelivers. Any HTTP response from the
// webhook, whatever its status, is an Outcome and is relayed verbatim.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"eventbroker/internal/config"
	"eventbroker/internal/jwts"
	"eventbroker/internal/metrics"
	"eventbroker/internal/observability"
	"eventbroker/internal/registry"
	"eventbroker/internal/types"
)

// ErrDownstreamTransport marks a delivery that got no HTTP response.
var ErrDownstreamTransport = errors.New("proxy: downstream transport failure")

// TokenSigner signs a SecurityEvent into a compact SET.
type TokenSigner interface {
	Sign(ev jwts.SecurityEvent) (string, error)
}

// HTTPDoer is satisfied by *http.Client and *WebhookClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Outcome is the downstream response to relay.
type Outcome struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Success reports whether the webhook accepted the event.
func (o *Outcome) Success() bool {
	return o.StatusCode >= 200 && o.StatusCode < 300
}

// Proxy delivers notifications. It holds no per-request state and is safe for
// concurrent use.
type Proxy struct {
	registry  registry.Reader
	signer    TokenSigner
	client    HTTPDoer
	metrics   metrics.Recorder
	tracer    *observability.Tracer
	logger    *slog.Logger
	clock     types.Clock
	userAgent string
	timeout   time.Duration
	maxBody   int64
}

func New(
	cfg config.WebhookConfig,
	reg registry.Reader,
	signer TokenSigner,
	client HTTPDoer,
	rec metrics.Recorder,
	tracer *observability.Tracer,
	logger *slog.Logger,
	clock types.Clock,
) *Proxy {
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if tracer == nil {
		tracer = observability.NewTracer()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Proxy{
		registry:  reg,
		signer:    signer,
		client:    client,
		metrics:   rec,
		tracer:    tracer,
		logger:    logger,
		clock:     clock,
		userAgent: cfg.UserAgent,
		timeout:   timeout,
		maxBody:   maxBody,
	}
}

// Deliver runs one delivery: lookup, decode, sign, send, relay. The steps are
// strictly sequential and each failure short-circuits the rest.
func (p *Proxy) Deliver(ctx context.Context, clientID string, env types.PushEnvelope) (*Outcome, error) {
	ctx, span := p.tracer.StartDeliverySpan(ctx, clientID, env.Message.ID())
	logger := p.logger.With("client_id", clientID, "message_id", env.Message.ID())

	webhookURL, ok := p.registry.Lookup(clientID)
	if !ok {
		p.metrics.Count(types.MetricUnknownSubscriber, 1, metrics.Dim(types.DimClientID, clientID))
		logger.Warn("no webhook registered for client")
		err := types.NewAppError(types.ErrCodeNotFoundSubscriber, "unknown subscriber", nil)
		p.tracer.EndDeliverySpan(span, "", 0, err)
		return nil, err
	}

	msg, err := decodeMessage(env.Message.Data)
	if err != nil {
		p.metrics.Count(types.MetricMalformedPayload, 1, metrics.Dim(types.DimClientID, clientID))
		logger.Warn("malformed push payload", "error", err.Error())
		appErr := types.NewAppError(types.ErrCodeValidationMalformedPayload, "malformed message payload", err)
		p.tracer.EndDeliverySpan(span, "", 0, appErr)
		return nil, appErr
	}
	logger.Debug("proxying message", "event", msg.Event, "uid", msg.UID, "payload", string(msg.Raw))

	if msg.Timestamp > 0 {
		p.metrics.Timing(types.MetricQueueDelay, p.clock.Now().Sub(time.UnixMilli(msg.Timestamp)),
			metrics.Dim(types.DimEventType, msg.Event))
	}

	ev, err := jwts.EventFromNotification(clientID, msg.Notification)
	if err != nil {
		p.metrics.Count(types.MetricUnsupportedEvent, 1,
			metrics.Dim(types.DimClientID, clientID), metrics.Dim(types.DimEventType, msg.Event))
		logger.Warn("unsupported event kind", "event", msg.Event)
		appErr := types.NewAppErrorWithDetails(types.ErrCodeValidationUnsupportedEvent, "unsupported event kind", err,
			map[string]any{"event": msg.Event})
		p.tracer.EndDeliverySpan(span, msg.Event, 0, appErr)
		return nil, appErr
	}

	token, err := p.signer.Sign(ev)
	if err != nil {
		logger.Error("failed to sign security event", "event", msg.Event, "error", err.Error())
		appErr := types.NewAppError(types.ErrCodeInternalSigning, "failed to sign security event", err)
		p.tracer.EndDeliverySpan(span, msg.Event, 0, appErr)
		return nil, appErr
	}

	out, err := p.send(ctx, webhookURL, token, msg.Raw)
	if err != nil {
		p.metrics.Count(types.MetricDeliveryTransportError, 1, metrics.Dim(types.DimClientID, clientID))
		logger.Warn("webhook delivery failed without a response", "event", msg.Event, "error", err.Error())
		p.tracer.EndDeliverySpan(span, msg.Event, 0, err)
		return nil, err
	}

	p.recordOutcome(clientID, ev, out)
	if !out.Success() {
		logger.Info("webhook rejected event", "event", msg.Event, "status", out.StatusCode)
	}
	p.tracer.EndDeliverySpan(span, msg.Event, out.StatusCode, nil)
	return out, nil
}

// send performs the outbound POST. The request runs on a context detached
// from the caller's cancellation, so an inbound client hanging up does not
// abort a delivery that is already in flight.
func (p *Proxy) send(ctx context.Context, webhookURL, token string, body []byte) (*Outcome, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrDownstreamTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownstreamTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrDownstreamTransport, err)
	}
	if int64(len(respBody)) > p.maxBody {
		p.logger.Warn("webhook response body truncated", "limit_bytes", p.maxBody, "url_host", req.URL.Host)
		respBody = respBody[:p.maxBody]
	}

	return &Outcome{
		StatusCode: resp.StatusCode,
		Header:     RelayHeaders(resp.Header),
		Body:       respBody,
	}, nil
}

func (p *Proxy) recordOutcome(clientID string, ev jwts.SecurityEvent, out *Outcome) {
	name := types.MetricDeliveryFailed
	if out.Success() {
		name = types.MetricDeliverySuccess
	}
	p.metrics.Count(name, 1, metrics.Dim(types.DimClientID, clientID), metrics.StatusDim(out.StatusCode))

	if sub, ok := ev.(jwts.SubscriptionStateChange); ok && sub.ChangeTime > 0 {
		p.metrics.Timing(types.MetricSubscriptionEventDelay, p.clock.Now().Sub(time.Unix(sub.ChangeTime, 0)),
			metrics.Dim(types.DimClientID, clientID))
	}
}

// decodeMessage turns message.data into a notification. Publishers are not
// consistent about padding or alphabet, so every base64 variant is accepted.
func decodeMessage(data string) (types.RawNotification, error) {
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if raw, err = enc.DecodeString(data); err == nil {
			break
		}
	}
	if err != nil {
		return types.RawNotification{}, fmt.Errorf("message data is not base64: %w", err)
	}
	if !utf8.Valid(raw) {
		return types.RawNotification{}, errors.New("message data is not valid UTF-8")
	}

	var n types.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return types.RawNotification{}, fmt.Errorf("message data is not a JSON notification: %w", err)
	}
	return types.RawNotification{Notification: n, Raw: raw}, nil
}
