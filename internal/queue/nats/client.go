// Package nats provides a queue.Consumer/queue.Publisher implementation
// backed by NATS JetStream, for deployments that run their own NATS
// cluster (or the embedded single-node server in this package) instead of
// SQS or a STOMP broker.
package nats

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"log/slog"

	"go.flowcatalyst.tech/internal/queue"
)

// Publisher publishes onto a JetStream stream.
type Publisher struct {
	js     jetstream.JetStream
	stream string
}

// NewPublisher returns a Publisher bound to js. stream is informational;
// JetStream routes by subject, not by the publisher's configured stream
// name.
func NewPublisher(js jetstream.JetStream, stream string) *Publisher {
	return &Publisher{js: js, stream: stream}
}

// Publish sends data to subject with no ordering or dedup metadata.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats: publish to %s: %w", subject, err)
	}
	return nil
}

// PublishWithGroup sends data tagged with the Nats-Msg-Group header, which
// JetStream honors to serialize delivery of same-group messages to a
// single consumer even when MaxAckPending allows multiple in flight.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: make(nats.Header)}
	msg.Header.Set("Nats-Msg-Group", messageGroup)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats: publish with group to %s: %w", subject, err)
	}
	return nil
}

// PublishWithDeduplication sends data tagged with Nats-Msg-Id, JetStream's
// native publish-side dedup window (bounded by the stream's configured
// duplicate window, typically a couple of minutes).
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: make(nats.Header)}
	msg.Header.Set("Nats-Msg-Id", deduplicationID)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats: publish with dedup id to %s: %w", subject, err)
	}
	return nil
}

// PublishMessage sends a message assembled with queue.MessageBuilder,
// carrying its group, dedup ID, and arbitrary metadata as headers.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	msg := &nats.Msg{
		Subject: builder.Subject(),
		Data:    builder.Data(),
		Header:  make(nats.Header),
	}

	if builder.MessageGroup() != "" {
		msg.Header.Set("Nats-Msg-Group", builder.MessageGroup())
	}
	if builder.DeduplicationID() != "" {
		msg.Header.Set("Nats-Msg-Id", builder.DeduplicationID())
	}
	for k, v := range builder.Metadata() {
		msg.Header.Set("X-Meta-"+k, v)
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats: publish message to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close is a no-op; the publisher does not own the JetStream connection.
func (p *Publisher) Close() error { return nil }

// Consumer pulls from a durable JetStream consumer and adapts messages to
// queue.Message.
type Consumer struct {
	consumer jetstream.Consumer
	name     string

	running        atomic.Bool
	lastPollTimeMs atomic.Int64
}

// NewConsumer wraps an already-created jetstream.Consumer.
func NewConsumer(consumer jetstream.Consumer, name string) *Consumer {
	return &Consumer{consumer: consumer, name: name}
}

// Consume pulls messages one at a time and invokes handler for each,
// blocking until ctx is cancelled. A transient error fetching the next
// message is logged and retried rather than aborting the consumer, since
// the underlying message iterator reconnects on its own.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting NATS consumer", "consumer", c.name)

	msgIter, err := c.consumer.Messages()
	if err != nil {
		return fmt.Errorf("nats: create message iterator for %s: %w", c.name, err)
	}
	defer msgIter.Stop()

	c.running.Store(true)
	defer c.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			slog.Info("NATS consumer stopping", "consumer", c.name)
			return ctx.Err()
		default:
			c.lastPollTimeMs.Store(time.Now().UnixMilli())

			msg, err := msgIter.Next()
			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return nil
				}
				slog.Error("NATS consumer failed to fetch next message", "error", err, "consumer", c.name)
				continue
			}

			wrapped := &Message{msg: msg, subject: msg.Subject()}
			if err := handler(wrapped); err != nil {
				slog.Error("NATS message handler error", "error", err, "consumer", c.name, "subject", msg.Subject())
			}
		}
	}
}

// GetHealth reports whether the message iterator loop is running and has
// polled recently, satisfying queue.HealthReporter.
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

// GetQueueMetrics reports JetStream's view of pending and in-flight
// messages for this durable consumer, satisfying queue.MetricsReporter.
func (c *Consumer) GetQueueMetrics(ctx context.Context) (queue.QueueMetrics, error) {
	info, err := c.consumer.Info(ctx)
	if err != nil {
		return queue.QueueMetrics{}, fmt.Errorf("nats: get consumer info for %s: %w", c.name, err)
	}

	return queue.QueueMetrics{
		ApproximateMessages:         int64(info.NumPending),
		ApproximateMessagesInFlight: int64(info.NumAckPending),
	}, nil
}

// Close is a no-op; the durable consumer survives process restarts by
// design and is not deleted here.
func (c *Consumer) Close() error {
	slog.Info("NATS consumer closed", "consumer", c.name)
	return nil
}

// Message adapts a JetStream message to queue.Message.
type Message struct {
	msg     jetstream.Msg
	subject string
}

// ID returns the Nats-Msg-Id header if the publisher set one, otherwise a
// stream-sequence-derived identifier that is still unique per delivery.
func (m *Message) ID() string {
	if id := m.msg.Headers().Get("Nats-Msg-Id"); id != "" {
		return id
	}
	if meta, err := m.msg.Metadata(); err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

// Data returns the message payload.
func (m *Message) Data() []byte { return m.msg.Data() }

// Subject returns the subject the message was delivered on.
func (m *Message) Subject() string { return m.subject }

// MessageGroup returns the Nats-Msg-Group header, if present.
func (m *Message) MessageGroup() string { return m.msg.Headers().Get("Nats-Msg-Group") }

// Ack acknowledges successful processing.
func (m *Message) Ack() error { return m.msg.Ack() }

// Nak signals processing failure, triggering immediate redelivery subject
// to the consumer's backoff policy.
func (m *Message) Nak() error { return m.msg.Nak() }

// NakWithDelay signals failure and asks JetStream to hold off redelivery
// for delay.
func (m *Message) NakWithDelay(delay time.Duration) error { return m.msg.NakWithDelay(delay) }

// InProgress extends the ack-wait deadline without acking or nacking.
func (m *Message) InProgress() error { return m.msg.InProgress() }

// Metadata returns all message headers, flattened to their first value.
func (m *Message) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.Headers() {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

// Client owns a NATS connection plus a JetStream context, and hands out a
// Publisher and any number of named Consumers bound to it.
type Client struct {
	conn      *nats.Conn
	js        jetstream.JetStream
	publisher *Publisher
	consumers map[string]*Consumer
	config    *queue.NATSConfig
}

// NewClient connects to the configured NATS server with unlimited
// automatic reconnection (the router's durable consumers tolerate brief
// broker outages better than the process tolerates restarting on one).
func NewClient(cfg *queue.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect to %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: create JetStream context: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = "DISPATCH"
	}

	return &Client{
		conn:      conn,
		js:        js,
		publisher: NewPublisher(js, streamName),
		consumers: make(map[string]*Consumer),
		config:    cfg,
	}, nil
}

// Publisher returns the client's shared Publisher.
func (c *Client) Publisher() queue.Publisher { return c.publisher }

// IsConnected reports whether the underlying NATS connection is currently
// connected, for wiring into health.NATSCheck.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// CreateConsumer creates (or updates, if one already exists under name) a
// durable pull consumer filtered to filterSubject.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	ackWait := 2 * time.Minute
	if c.config.AckWait > 0 {
		ackWait = c.config.AckWait
	}

	maxDeliver := 5
	if c.config.MaxDeliver > 0 {
		maxDeliver = c.config.MaxDeliver
	}

	streamName := c.config.StreamName
	if streamName == "" {
		streamName = "DISPATCH"
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("nats: get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("nats: create consumer %s: %w", name, err)
	}

	wrapped := NewConsumer(consumer, name)
	c.consumers[name] = wrapped
	return wrapped, nil
}

// Close closes every consumer this client created, then the connection.
func (c *Client) Close() error {
	for _, consumer := range c.consumers {
		consumer.Close()
	}
	c.conn.Close()
	return nil
}
