// Package mediator provides HTTP webhook mediation.
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

// HTTPMediator mediates messages via HTTP webhooks, classifying each
// response or transport failure into one of the five outcome kinds a
// process pool knows how to act on.
type HTTPMediator struct {
	client     *http.Client
	breakers   *breaker.Registry
	maxRetries int
	baseDelay  time.Duration

	connectTimeout time.Duration
	headersTimeout time.Duration
	bodyTimeout    time.Duration
}

// HTTPVersion represents the HTTP protocol version to use.
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1.
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production).
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator.
type HTTPMediatorConfig struct {
	// ConnectTimeout bounds establishing the TCP/TLS connection.
	ConnectTimeout time.Duration
	// HeadersTimeout bounds waiting for response headers once the
	// request is sent.
	HeadersTimeout time.Duration
	// BodyTimeout bounds the overall request including reading the body;
	// this is the outer ceiling (e.g. long-running webhooks).
	BodyTimeout time.Duration

	// HTTPVersion controls which HTTP version to use: HTTP_2 (default
	// for production) or HTTP_1_1 (recommended for dev).
	HTTPVersion HTTPVersion

	// MaxRetries for transient errors.
	MaxRetries int

	// RetryDelay is the base for exponential backoff: the sleep before
	// attempt n is RetryDelay * 2^(n-1).
	RetryDelay time.Duration

	// DefaultDeferredDelay is not read by NewHTTPMediator: a DEFERRED
	// response with no explicit delaySeconds always gets
	// model.DefaultDelaySeconds (30s).
	DefaultDeferredDelay time.Duration

	Breaker breaker.Config
}

// DefaultHTTPMediatorConfig returns sensible defaults for production.
// BodyTimeout is 900s (15 minutes) to support long-running webhooks.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		ConnectTimeout:       10 * time.Second,
		HeadersTimeout:       30 * time.Second,
		BodyTimeout:          900 * time.Second,
		HTTPVersion:          HTTPVersion2,
		MaxRetries:           3,
		RetryDelay:           time.Second,
		DefaultDeferredDelay: 30 * time.Second,
		Breaker:              breaker.DefaultConfig(),
	}
}

// DevHTTPMediatorConfig returns config suitable for development: HTTP/1.1
// instead of HTTP/2.
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator.
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.HeadersTimeout,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	client := &http.Client{
		Timeout:   cfg.BodyTimeout,
		Transport: transport,
	}

	return &HTTPMediator{
		client:         client,
		breakers:       breaker.NewRegistry(cfg.Breaker),
		maxRetries:     cfg.MaxRetries,
		baseDelay:      cfg.RetryDelay,
		connectTimeout: cfg.ConnectTimeout,
		headersTimeout: cfg.HeadersTimeout,
		bodyTimeout:    cfg.BodyTimeout,
	}
}

// Process processes a message through HTTP mediation, applying circuit
// breaking and exponential-backoff retries.
func (m *HTTPMediator) Process(msg *pool.Pointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: errors.New("nil message")}
	}

	target := msg.CallbackURL
	if target == "" {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: errors.New("no callback url")}
	}

	if err := m.breakers.Allow(target); err != nil {
		slog.Warn("Circuit breaker open, rejecting mediation", "messageId", msg.MessageID, "target", target)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
	}

	return m.executeWithRetry(msg, target)
}

func (m *HTTPMediator) executeWithRetry(msg *pool.Pointer, target string) *pool.MediationOutcome {
	var outcome *pool.MediationOutcome

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		result, err := m.breakers.Execute(target, func() (interface{}, error) {
			o := m.executeOnce(msg, target, attempt)
			return o, breakerErrFor(o)
		})

		if o, ok := result.(*pool.MediationOutcome); ok {
			outcome = o
		} else {
			// Breaker rejected the call before invoking fn (open/probe limit).
			outcome = &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
			return outcome
		}

		if outcome.Result == pool.MediationResultSuccess || outcome.Result == pool.MediationResultErrorConfig ||
			outcome.Result == pool.MediationResultDeferred {
			return outcome
		}

		if !isRetryable(outcome) || attempt == m.maxRetries {
			return outcome
		}

		backoff := m.baseDelay * time.Duration(1<<uint(attempt))
		slog.Info("Retrying mediation after backoff", "messageId", msg.MessageID, "attempt", attempt+1, "backoff", backoff)
		time.Sleep(backoff)
	}

	return outcome
}

// breakerErrFor maps a mediation outcome to the error gobreaker should
// count as a failure. SUCCESS, ERROR_CONFIG and DEFERRED are application
// level and deliberately do not trip the breaker; only transport/5xx
// failures (ERROR_PROCESS, ERROR_CONNECTION) do.
func breakerErrFor(o *pool.MediationOutcome) error {
	switch o.Result {
	case pool.MediationResultErrorProcess, pool.MediationResultErrorConnection:
		if o.Error != nil {
			return o.Error
		}
		return fmt.Errorf("mediation failed: %s", o.Result)
	default:
		return nil
	}
}

// executeOnce performs a single HTTP POST attempt with the raw payload as
// the request body.
func (m *HTTPMediator) executeOnce(msg *pool.Pointer, target string, attempt int) *pool.MediationOutcome {
	timeout := m.bodyTimeout
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytesReader(msg.Payload))
	if err != nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Message-Id", msg.MessageID)
	req.Header.Set("X-Broker-Message-Id", msg.BrokerMessageID)
	req.Header.Set("X-Pool-Code", msg.PoolCode)
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	slog.Debug("Executing HTTP mediation request", "messageId", msg.MessageID, "target", target, "attempt", attempt)

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(target).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	slog.Debug("HTTP mediation response", "messageId", msg.MessageID, "statusCode", resp.StatusCode, "bodyLen", len(body), "duration", duration)

	return m.handleResponse(msg, resp.StatusCode, body)
}

func bytesReader(b []byte) *bytesReadSeeker { return &bytesReadSeeker{b: b} }

// handleError classifies a transport-level failure. Connect/TLS failures
// are ERROR_CONNECTION; timeouts waiting on headers or body, and anything
// else unclassified, are ERROR_PROCESS.
func (m *HTTPMediator) handleError(msg *pool.Pointer, err error) *pool.MediationOutcome {
	var netErr net.Error
	isTimeout := errors.As(err, &netErr) && netErr.Timeout()

	var opErr *net.OpError
	if errors.As(err, &opErr) && !isTimeout {
		slog.Warn("Connection error", "messageId", msg.MessageID, "error", err)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	if isTimeout || errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout", "messageId", msg.MessageID, "error", err)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
	}

	return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
}

// handleResponse classifies an HTTP response per the status/body
// classification table: 2xx success unless the body says ack=false, any
// 4xx (no exceptions, including 429) is a permanent config error, 5xx
// transient.
func (m *HTTPMediator) handleResponse(msg *pool.Pointer, statusCode int, body []byte) *pool.MediationOutcome {
	if statusCode >= 200 && statusCode < 300 {
		ack := parseAck(body)
		if ack != nil && !*ack {
			delay := time.Duration(parseMediationResponse(body).GetEffectiveDelaySeconds()) * time.Second
			slog.Info("Response ack=false, deferring", "messageId", msg.MessageID, "statusCode", statusCode)
			return &pool.MediationOutcome{Result: pool.MediationResultDeferred, StatusCode: statusCode, ResponseAck: ack, Delay: &delay}
		}
		return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: statusCode, ResponseAck: ack}
	}

	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error, not retrying", "messageId", msg.MessageID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, StatusCode: statusCode}
	}

	if statusCode >= 500 {
		slog.Warn("Server error, will retry", "messageId", msg.MessageID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode}
	}

	return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode}
}

// parseMediationResponse decodes the optional ack/delaySeconds body a
// downstream mediation endpoint may return. An empty or unparsable body
// yields the zero value, which GetEffectiveDelaySeconds treats as "use the
// default delay".
func parseMediationResponse(body []byte) *model.MediationResponse {
	var r model.MediationResponse
	if len(body) == 0 {
		return &r
	}
	_ = json.Unmarshal(body, &r)
	return &r
}

func parseAck(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var r struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil
	}
	return r.Ack
}

func isRetryable(o *pool.MediationOutcome) bool {
	switch o.Result {
	case pool.MediationResultErrorConnection, pool.MediationResultErrorProcess:
		return true
	default:
		return false
	}
}

// bytesReadSeeker is a minimal io.ReadSeeker over a byte slice so retries
// can replay the same payload body without re-marshalling it.
type bytesReadSeeker struct {
	b   []byte
	pos int
}

func (r *bytesReadSeeker) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func (r *bytesReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.pos
	case io.SeekEnd:
		base = len(r.b)
	}
	r.pos = base + int(offset)
	return int64(r.pos), nil
}
