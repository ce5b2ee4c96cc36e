package listener

import (
	"context"
	"fmt"

	"github.com/pubtrack/pubtrack/internal/tracker/ids"
	"github.com/pubtrack/pubtrack/internal/tracker/jsoncodec"
	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/payload"
	"github.com/pubtrack/pubtrack/internal/tracker/transport"
)

// Processor normalizes one raw message, extracts the correlation id and runs
// the handler. The message is acknowledged only after the handler succeeds.
type Processor struct {
	subject string
	idField string
	handler Handler
	logger  logging.ServiceLogger
}

// NewProcessor returns a processor for one listener.
func NewProcessor(subject, idField string, handler Handler, logger logging.ServiceLogger) *Processor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Processor{
		subject: subject,
		idField: idField,
		handler: handler,
		logger:  logger,
	}
}

// Process decodes the payload, builds the Received view and invokes the
// handler. Handler failures propagate without acknowledging, leaving the
// message for broker redelivery. Ack failures are logged, not fatal.
func (p *Processor) Process(ctx context.Context, msg transport.Message) error {
	received := Received{
		Subject:   p.subject,
		MessageID: p.messageID(msg),
		Payload:   msg.Data(),
		Sequence:  msg.Sequence(),
	}

	var doc any
	if err := jsoncodec.Unmarshal(msg.Data(), &doc); err != nil {
		p.logger.Debug("response payload is not valid JSON", logging.LogFields{
			"subject":    p.subject,
			"message_id": received.MessageID,
		})
	} else if value, ok := payload.Extract(doc, p.idField); ok {
		received.CorrelationID = value
	}

	if err := p.handler(ctx, received); err != nil {
		return fmt.Errorf("handler failed for message %s: %w", received.MessageID, err)
	}

	if err := msg.Ack(); err != nil {
		p.logger.Error("failed to ack message", err, logging.LogFields{
			"subject":    p.subject,
			"message_id": received.MessageID,
		})
	}
	return nil
}

func (p *Processor) messageID(msg transport.Message) string {
	if id := msg.Header(transport.HeaderMessageID); id != "" {
		return id
	}
	return ids.CreateULID()
}
