// Package channel provides an in-memory pull transport backed by Go channels.
// This transport is useful for testing and local development.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/transport"
)

const defaultBuffer = 256

// Transport implements transport.Transport over per-subject buffered channels.
type Transport struct {
	mu       sync.Mutex
	subjects map[string]chan *queuedMessage
	sequence atomic.Uint64
	closed   bool
}

// New returns an empty in-memory transport.
func New() *Transport {
	return &Transport{subjects: make(map[string]chan *queuedMessage)}
}

func (t *Transport) queue(subject string) chan *queuedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.subjects[subject]
	if !ok {
		q = make(chan *queuedMessage, defaultBuffer)
		t.subjects[subject] = q
	}
	return q
}

// Publish appends the payload to the subject's queue and acks immediately.
func (t *Transport) Publish(_ context.Context, subject string, payload []byte, headers map[string]string) (transport.PubAck, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.PubAck{}, errspkg.ErrClosed
	}
	t.mu.Unlock()

	seq := t.sequence.Add(1)
	msg := &queuedMessage{
		payload:  append([]byte(nil), payload...),
		headers:  headers,
		sequence: seq,
	}

	select {
	case t.queue(subject) <- msg:
		return transport.PubAck{Stream: "memory", Sequence: seq}, nil
	default:
		return transport.PubAck{}, errspkg.NewTransportError("publish", errspkg.ErrQueueFull)
	}
}

// OpenPull returns a pull subscription over the subject's queue.
func (t *Transport) OpenPull(subject string) (transport.PullSubscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errspkg.ErrClosed
	}
	q, ok := t.subjects[subject]
	if !ok {
		q = make(chan *queuedMessage, defaultBuffer)
		t.subjects[subject] = q
	}
	return &pullSubscription{subject: subject, queue: q}, nil
}

// Close marks the transport closed. Queued messages stay fetchable so tests
// can drain them.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type pullSubscription struct {
	subject string
	queue   chan *queuedMessage
	closed  atomic.Bool
}

func (s *pullSubscription) Subject() string { return s.subject }

func (s *pullSubscription) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]transport.Message, error) {
	if s.closed.Load() {
		return nil, errspkg.ErrClosed
	}
	if batch <= 0 {
		batch = 1
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	var out []transport.Message
	for len(out) < batch {
		select {
		case msg := <-s.queue:
			out = append(out, msg)
		case <-deadline.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (s *pullSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

type queuedMessage struct {
	payload  []byte
	headers  map[string]string
	sequence uint64
	acked    atomic.Bool
}

func (m *queuedMessage) Data() []byte { return m.payload }

func (m *queuedMessage) Header(key string) string {
	if m.headers == nil {
		return ""
	}
	return m.headers[key]
}

func (m *queuedMessage) Sequence() uint64 { return m.sequence }

func (m *queuedMessage) Ack() error {
	m.acked.Store(true)
	return nil
}

// Acked reports whether the message was acknowledged; used by tests.
func (m *queuedMessage) Acked() bool { return m.acked.Load() }
