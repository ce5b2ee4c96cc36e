package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubtrack/pubtrack/internal/tracker/transport"
)

type fakeMessage struct {
	data     []byte
	headers  map[string]string
	sequence uint64
	acked    atomic.Bool
	ackErr   error
}

func (m *fakeMessage) Data() []byte { return m.data }

func (m *fakeMessage) Header(key string) string { return m.headers[key] }

func (m *fakeMessage) Sequence() uint64 { return m.sequence }

func (m *fakeMessage) Ack() error {
	m.acked.Store(true)
	return m.ackErr
}

func TestProcessorExtractsCorrelationID(t *testing.T) {
	var received Received
	processor := NewProcessor("responses.user", "userId", func(_ context.Context, msg Received) error {
		received = msg
		return nil
	}, nil)

	msg := &fakeMessage{
		data:     []byte(`{"userId":"12345","status":"OK"}`),
		headers:  map[string]string{transport.HeaderMessageID: "msg-1"},
		sequence: 7,
	}

	require.NoError(t, processor.Process(context.Background(), msg))
	assert.Equal(t, "12345", received.CorrelationID)
	assert.Equal(t, "msg-1", received.MessageID)
	assert.Equal(t, "responses.user", received.Subject)
	assert.Equal(t, uint64(7), received.Sequence)
	assert.True(t, msg.acked.Load(), "acked after handler success")
}

func TestProcessorSynthesizesMessageID(t *testing.T) {
	var received Received
	processor := NewProcessor("responses.user", "userId", func(_ context.Context, msg Received) error {
		received = msg
		return nil
	}, nil)

	require.NoError(t, processor.Process(context.Background(), &fakeMessage{
		data: []byte(`{"userId":"1"}`),
	}))
	assert.NotEmpty(t, received.MessageID)
}

func TestProcessorNestedPath(t *testing.T) {
	var received Received
	processor := NewProcessor("responses.user", "user.id", func(_ context.Context, msg Received) error {
		received = msg
		return nil
	}, nil)

	require.NoError(t, processor.Process(context.Background(), &fakeMessage{
		data: []byte(`{"user":{"id":"u-9"}}`),
	}))
	assert.Equal(t, "u-9", received.CorrelationID)
}

func TestProcessorInvalidJSONStillInvokesHandler(t *testing.T) {
	var received Received
	processor := NewProcessor("responses.user", "userId", func(_ context.Context, msg Received) error {
		received = msg
		return nil
	}, nil)

	msg := &fakeMessage{data: []byte(`garbage`)}
	require.NoError(t, processor.Process(context.Background(), msg))
	assert.Empty(t, received.CorrelationID)
	assert.True(t, msg.acked.Load())
}

func TestProcessorHandlerFailureSkipsAck(t *testing.T) {
	processor := NewProcessor("responses.user", "userId", func(context.Context, Received) error {
		return errors.New("store unavailable")
	}, nil)

	msg := &fakeMessage{data: []byte(`{"userId":"1"}`)}
	err := processor.Process(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, msg.acked.Load(), "left un-acked for redelivery")
}

func TestProcessorAckFailureIsNotFatal(t *testing.T) {
	processor := NewProcessor("responses.user", "userId", func(context.Context, Received) error {
		return nil
	}, nil)

	msg := &fakeMessage{data: []byte(`{"userId":"1"}`), ackErr: errors.New("connection lost")}
	assert.NoError(t, processor.Process(context.Background(), msg))
}
