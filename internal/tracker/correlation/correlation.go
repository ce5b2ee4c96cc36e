// Package correlation matches inbound responses to pending requests and
// decides, at publish time, whether a publish needs tracking.
package correlation

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/listener"
	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/metrics"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
)

// Notifier delivers a best-effort webhook notification. Implementations must
// never block the caller and never propagate failures.
type Notifier interface {
	Notify(ctx context.Context, url string, record *store.RequestRecord)
}

// Service correlates responses with persisted request records and applies
// terminal status transitions.
type Service struct {
	requests store.RequestStore
	notifier Notifier
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
}

// NewService returns a correlation service. notifier may be nil.
func NewService(requests store.RequestStore, notifier Notifier, logger logging.ServiceLogger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		requests: requests,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
	}
}

// ProcessResponse correlates msg with a pending request and marks it SUCCESS.
// It returns true only when a record was transitioned.
func (s *Service) ProcessResponse(ctx context.Context, msg listener.Received, expectedSubject string) (bool, error) {
	return s.ProcessResponseWithStatus(ctx, msg, expectedSubject, store.StatusSuccess)
}

// ProcessResponseWithStatus is ProcessResponse with a caller-supplied
// terminal status. A blank correlation id, a missing record, or a record
// that already left PENDING are all normal unmatched outcomes: logged, no
// writes, false returned.
func (s *Service) ProcessResponseWithStatus(ctx context.Context, msg listener.Received, expectedSubject string, status store.RequestStatus) (bool, error) {
	if msg.CorrelationID == "" {
		s.logger.Debug("response carries no correlation id", logging.LogFields{
			"subject":    expectedSubject,
			"message_id": msg.MessageID,
		})
		s.metrics.ResponseUnmatched()
		return false, nil
	}

	record, err := s.requests.FindByCorrelation(ctx, msg.CorrelationID)
	if errors.Is(err, errspkg.ErrNotFound) {
		s.logger.Debug("no request matches response", logging.LogFields{
			"subject":        expectedSubject,
			"correlation_id": msg.CorrelationID,
		})
		s.metrics.ResponseUnmatched()
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Only transition out of PENDING; a duplicate or late response must not
	// overwrite a terminal record.
	if record.Status.Terminal() {
		s.logger.Debug("response for already-terminal request dropped", logging.LogFields{
			"request_id":     record.ID,
			"status":         string(record.Status),
			"correlation_id": msg.CorrelationID,
		})
		s.metrics.ResponseUnmatched()
		return false, nil
	}

	respondedAt := time.Now()
	if err := s.requests.UpdateStatusAndResponse(ctx, record.ID, status, msg.Payload, respondedAt); err != nil {
		return false, err
	}

	s.logger.Info("response correlated", logging.LogFields{
		"request_id":     record.ID,
		"correlation_id": msg.CorrelationID,
		"status":         string(status),
	})
	s.metrics.ResponseCorrelated(string(status))

	if record.WebhookURL != "" && s.notifier != nil {
		record.Status = status
		record.Response = msg.Payload
		record.RespondedAt = &respondedAt
		s.notifier.Notify(ctx, record.WebhookURL, record)
	}
	return true, nil
}

// MarkRequestAsFailed moves the record to FAILED. Unknown ids are a warning,
// not an error.
func (s *Service) MarkRequestAsFailed(ctx context.Context, requestID, reason string) error {
	return s.markTerminal(ctx, requestID, store.StatusFailed, reason)
}

// MarkRequestAsTimeout moves the record to TIMEOUT. Unknown ids are a
// warning, not an error.
func (s *Service) MarkRequestAsTimeout(ctx context.Context, requestID, reason string) error {
	return s.markTerminal(ctx, requestID, store.StatusTimeout, reason)
}

func (s *Service) markTerminal(ctx context.Context, requestID string, status store.RequestStatus, reason string) error {
	err := s.requests.UpdateStatusAndError(ctx, requestID, status, reason)
	if errors.Is(err, errspkg.ErrNotFound) {
		s.logger.Info("cannot mark unknown request", logging.LogFields{
			"request_id": requestID,
			"status":     string(status),
		})
		return nil
	}
	return err
}
