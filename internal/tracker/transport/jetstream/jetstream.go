// Package jetstream implements the transport contract on NATS JetStream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/transport"
)

const (
	// DefaultAckWait is the default ack wait timeout. Messages whose handler
	// failed are left un-acked and redelivered after this window.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 5
)

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream holding request and response
	// subjects. If empty, defaults to "PUBTRACK".
	StreamName string

	// Subjects are the subject filters bound to the stream. Defaults to
	// "<StreamName>.>".
	Subjects []string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration the server waits for an acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = "PUBTRACK"
	}
	if len(c.Subjects) == 0 {
		c.Subjects = []string{c.StreamName + ".>"}
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements transport.Transport on a JetStream connection.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config

	mu     sync.Mutex
	closed bool
}

// New connects to NATS, opens a JetStream context and ensures the stream.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{nc: nc, js: js, config: cfg}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  t.config.Subjects,
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		Replicas:  t.config.Replicas,
	}

	_, err := t.js.AddStream(streamCfg)
	if err != nil {
		// Stream may already exist with a different owner config.
		_, err = t.js.UpdateStream(streamCfg)
		if err != nil {
			if _, infoErr := t.js.StreamInfo(t.config.StreamName); infoErr == nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// Publish publishes the payload and returns the JetStream ack.
func (t *Transport) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) (transport.PubAck, error) {
	if t.isClosed() {
		return transport.PubAck{}, errspkg.ErrClosed
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{},
	}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	ack, err := t.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return transport.PubAck{}, errspkg.NewTransportError("publish", err)
	}
	return transport.PubAck{
		Stream:    ack.Stream,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
	}, nil
}

// OpenPull creates a durable consumer for the subject and returns a pull
// subscription over it.
func (t *Transport) OpenPull(subject string) (transport.PullSubscription, error) {
	if t.isClosed() {
		return nil, errspkg.ErrClosed
	}

	consumerName := consumerNameFor(subject)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	_, err := t.js.AddConsumer(t.config.StreamName, consumerCfg)
	if err != nil {
		_, err = t.js.UpdateConsumer(t.config.StreamName, consumerCfg)
		if err != nil {
			return nil, errspkg.NewTransportError("add consumer", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName)
	if err != nil {
		return nil, errspkg.NewTransportError("pull subscribe", err)
	}

	return &pullSubscription{subject: subject, sub: sub}, nil
}

// Close shuts down the NATS connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.nc.Close()
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func consumerNameFor(subject string) string {
	name := make([]byte, 0, len("pubtrack_")+len(subject))
	name = append(name, "pubtrack_"...)
	for i := 0; i < len(subject); i++ {
		switch subject[i] {
		case '.', '*', '>':
			name = append(name, '_')
		default:
			name = append(name, subject[i])
		}
	}
	return string(name)
}

type pullSubscription struct {
	subject string
	sub     *nats.Subscription
}

func (s *pullSubscription) Subject() string { return s.subject }

func (s *pullSubscription) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]transport.Message, error) {
	if batch <= 0 {
		batch = 1
	}

	msgs, err := s.sub.Fetch(batch, nats.MaxWait(maxWait))
	if err != nil {
		// An empty window is a normal outcome of a bounded pull.
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errspkg.NewTransportError("fetch", err)
	}

	out := make([]transport.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, &natsMessage{msg: msg})
	}
	return out, nil
}

func (s *pullSubscription) Close() error {
	return s.sub.Unsubscribe()
}

type natsMessage struct {
	msg *nats.Msg
}

func (m *natsMessage) Data() []byte { return m.msg.Data }

func (m *natsMessage) Header(key string) string {
	return m.msg.Header.Get(key)
}

func (m *natsMessage) Sequence() uint64 {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

func (m *natsMessage) Ack() error {
	return m.msg.Ack()
}
