// Package transport defines the narrow pub/sub contract the tracker consumes:
// fallible publish with a broker acknowledgement, and pull subscriptions that
// fetch bounded batches.
package transport

import (
	"context"
	"time"
)

// HeaderMessageID is the dedup header carried by brokers that support it.
const HeaderMessageID = "Nats-Msg-Id"

// PubAck is the broker acknowledgement for a published message.
type PubAck struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// Message is a single inbound message from a pull subscription. Acknowledging
// is explicit; an un-acked message is redelivered by the broker once its ack
// wait lapses.
type Message interface {
	Data() []byte
	Header(key string) string
	Sequence() uint64
	Ack() error
}

// PullSubscription fetches bounded batches of messages for one subject.
// Fetch blocks at most maxWait and returns an empty batch when no messages
// arrived in time.
type PullSubscription interface {
	Subject() string
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Message, error)
	Close() error
}

// Publisher publishes a payload to a subject and returns the broker ack.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) (PubAck, error)
}

// Subscriber opens pull subscriptions.
type Subscriber interface {
	OpenPull(subject string) (PullSubscription, error)
}

// Transport combines both directions plus lifecycle.
type Transport interface {
	Publisher
	Subscriber
	Close() error
}
