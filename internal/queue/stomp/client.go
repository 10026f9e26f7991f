// Package stomp provides a STOMP/ActiveMQ queue.Consumer and queue.Publisher
// implementation, for brokers that speak STOMP instead of SQS or NATS.
package stomp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"

	"go.flowcatalyst.tech/internal/queue"
)

// Config configures the STOMP client.
type Config struct {
	// Addr is the broker address, e.g. "localhost:61613".
	Addr string
	// Login/Passcode are the STOMP CONNECT credentials.
	Login    string
	Passcode string
	// Destination is the queue or topic to subscribe/publish to, e.g.
	// "/queue/dispatch".
	Destination string
	// AckMode controls STOMP acknowledgement semantics; ClientIndividual
	// lets each message be acked/nacked independently, which this package
	// requires to support per-message redelivery with a delay.
	AckMode stomp.AckMode
	// ReconnectDelay is the wait between reconnect attempts after the
	// connection drops.
	ReconnectDelay time.Duration
}

// DefaultConfig returns sane defaults for AckMode and ReconnectDelay.
func DefaultConfig() Config {
	return Config{
		AckMode:        stomp.AckClientIndividual,
		ReconnectDelay: 2 * time.Second,
	}
}

// Client owns a STOMP connection and hands out a Publisher and Consumer
// bound to it. Its Consumer redials and resubscribes itself when the
// subscription drops: STOMP brokers (ActiveMQ in particular) close idle connections more
// aggressively than a JetStream or SQS endpoint.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *stomp.Conn
}

// NewClient dials the broker once to fail fast on bad configuration, then
// returns a Client that reconnects internally as needed.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("stomp: addr is required")
	}
	if cfg.AckMode == 0 {
		cfg = mergeDefaults(cfg)
	}

	c := &Client{cfg: cfg}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func mergeDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = d.ReconnectDelay
	}
	cfg.AckMode = d.AckMode
	return cfg
}

func (c *Client) dial() (*stomp.Conn, error) {
	var opts []func(*stomp.Conn) error
	if c.cfg.Login != "" || c.cfg.Passcode != "" {
		opts = append(opts, stomp.ConnOpt.Login(c.cfg.Login, c.cfg.Passcode))
	}
	opts = append(opts, stomp.ConnOpt.HeartBeat(10*time.Second, 10*time.Second))

	conn, err := stomp.Dial("tcp", c.cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("stomp: failed to connect to %s: %w", c.cfg.Addr, err)
	}
	return conn, nil
}

func (c *Client) connection() *stomp.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// IsConnected reports whether the client currently holds a live STOMP
// connection, for wiring into health.ActiveMQCheck. The stomp package
// exposes no explicit ping, so this only reflects the last known dial or
// reconnect outcome, not a fresh round trip.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Disconnect()
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Publisher returns a queue.Publisher bound to this client's connection.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c}
}

// Consumer creates a subscription-backed queue.Consumer against
// destination, defaulting to the client's configured Destination when
// destination is empty.
func (c *Client) Consumer(destination string) *Consumer {
	if destination == "" {
		destination = c.cfg.Destination
	}
	return &Consumer{client: c, destination: destination}
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Disconnect()
	c.conn = nil
	return err
}

// Publisher sends messages via STOMP SEND frames.
type Publisher struct {
	client *Client
}

// Publish sends data to the given destination.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	conn := p.client.connection()
	if conn == nil {
		return fmt.Errorf("stomp: not connected")
	}
	return conn.Send(subject, "application/json", data)
}

// PublishWithGroup sends data with a JMSXGroupID header, which ActiveMQ
// honors for ordered consumption within a group.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	conn := p.client.connection()
	if conn == nil {
		return fmt.Errorf("stomp: not connected")
	}
	return conn.Send(subject, "application/json", data, stomp.SendOpt.Header("JMSXGroupID", messageGroup))
}

// PublishWithDeduplication sends data tagged with a de-duplication header.
// ActiveMQ has no native broker-side dedup; this relies on a consumer-side
// or plugin-based dedup filter keyed on this header.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	conn := p.client.connection()
	if conn == nil {
		return fmt.Errorf("stomp: not connected")
	}
	return conn.Send(subject, "application/json", data, stomp.SendOpt.Header("X-Dedup-Id", deduplicationID))
}

// Close is a no-op; the underlying connection is owned by the Client.
func (p *Publisher) Close() error { return nil }

// Consumer subscribes to a STOMP destination and adapts frames to
// queue.Message, reconnecting on subscription failure.
type Consumer struct {
	client      *Client
	destination string

	running        atomic.Bool
	lastPollTimeMs atomic.Int64
}

// Consume subscribes to the destination and invokes handler for each
// frame, blocking until ctx is cancelled. On a dropped subscription it
// reconnects and resubscribes after ReconnectDelay rather than returning,
// matching the always-on posture of the other broker consumers.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting STOMP consumer", "destination", c.destination)

	c.running.Store(true)
	defer c.running.Store(false)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn := c.client.connection()
		if conn == nil {
			if err := c.client.reconnect(); err != nil {
				slog.Error("STOMP reconnect failed", "error", err)
				if !sleepOrDone(ctx, c.client.cfg.ReconnectDelay) {
					return ctx.Err()
				}
				continue
			}
			conn = c.client.connection()
		}

		sub, err := conn.Subscribe(c.destination, c.client.cfg.AckMode)
		if err != nil {
			slog.Error("STOMP subscribe failed", "destination", c.destination, "error", err)
			if !sleepOrDone(ctx, c.client.cfg.ReconnectDelay) {
				return ctx.Err()
			}
			if err := c.client.reconnect(); err != nil {
				slog.Error("STOMP reconnect failed", "error", err)
			}
			continue
		}

		if err := c.drain(ctx, conn, sub, handler); err != nil {
			slog.Warn("STOMP subscription ended, will resubscribe", "destination", c.destination, "error", err)
		}
		sub.Unsubscribe()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) drain(ctx context.Context, conn *stomp.Conn, sub *stomp.Subscription, handler func(queue.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.C:
			c.lastPollTimeMs.Store(time.Now().UnixMilli())

			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			if frame.Err != nil {
				return frame.Err
			}

			wrapped := &Message{conn: conn, frame: frame}
			if err := handler(wrapped); err != nil {
				slog.Error("Message handler error", "error", err, "destination", c.destination)
			}
		}
	}
}

// Close is a no-op: Consume unsubscribes when it returns, and the
// underlying connection is owned by the Client.
func (c *Consumer) Close() error { return nil }

// GetHealth reports whether the subscribe/drain loop is running and has
// received a frame recently, satisfying queue.HealthReporter. STOMP has no
// management API reachable over the wire protocol itself, so this package
// does not implement queue.MetricsReporter.
func (c *Consumer) GetHealth() queue.ConsumerHealth {
	last := c.lastPollTimeMs.Load()
	var sincePoll int64
	if last > 0 {
		sincePoll = time.Now().UnixMilli() - last
	}

	return queue.ConsumerHealth{
		IsRunning:           c.running.Load(),
		LastPollTimeMs:      last,
		TimeSinceLastPollMs: sincePoll,
		IsHealthy:           c.running.Load() && (last == 0 || sincePoll < 60_000),
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Message adapts a STOMP frame to queue.Message. ack/nack map onto
// ACK/NACK frames; NakWithDelay has no native STOMP equivalent so it
// nacks immediately and relies on the broker's own redelivery policy
// (ActiveMQ's redeliveryDelay) for pacing.
type Message struct {
	conn  *stomp.Conn
	frame *stomp.Message
}

// ID returns the message-id header, falling back to a dedup header.
func (m *Message) ID() string {
	if id := m.frame.Header.Get("message-id"); id != "" {
		return id
	}
	return m.frame.Header.Get("X-Dedup-Id")
}

// Data returns the frame body.
func (m *Message) Data() []byte { return m.frame.Body }

// Subject returns the destination the frame was delivered on.
func (m *Message) Subject() string { return m.frame.Destination }

// MessageGroup returns the JMSXGroupID header, if present.
func (m *Message) MessageGroup() string { return m.frame.Header.Get("JMSXGroupID") }

// Ack sends a STOMP ACK frame for this message.
func (m *Message) Ack() error { return m.conn.Ack(m.frame) }

// Nak sends a STOMP NACK frame, triggering broker redelivery.
func (m *Message) Nak() error { return m.conn.Nack(m.frame) }

// NakWithDelay nacks immediately; STOMP has no per-message visibility
// delay, so pacing falls back to the broker's redelivery policy.
func (m *Message) NakWithDelay(delay time.Duration) error { return m.conn.Nack(m.frame) }

// InProgress is a no-op: STOMP has no visibility-extension concept
// analogous to SQS/JetStream.
func (m *Message) InProgress() error { return nil }

// Metadata returns all frame headers as a flat map.
func (m *Message) Metadata() map[string]string {
	result := make(map[string]string)
	for i := 0; i < m.frame.Header.Len(); i++ {
		k, v := m.frame.Header.GetAt(i)
		result[k] = v
	}
	return result
}

// RedeliveryCount reports how many times ActiveMQ has redelivered this
// message, parsed from the broker's redelivery header when present.
func (m *Message) RedeliveryCount() int {
	v := m.frame.Header.Get("redelivery-count")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
