package correlation

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/payload"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
)

// PublishRequest is the caller's input to a tracked publish.
type PublishRequest struct {
	// Subject is the outbound subject.
	Subject string
	// Payload is the JSON business payload, published unchanged.
	Payload []byte
	// ResponseSubject, if set together with ResponseIDField, enables tracking.
	ResponseSubject string
	// ResponseIDField is the dot-path of the correlation field inside both
	// the request and the response payloads.
	ResponseIDField string
	// WebhookURL, if set, receives a best-effort notification on correlation.
	WebhookURL string
}

// TrackingContext is the strategy's decision for one publish.
type TrackingContext struct {
	RequestID        string
	Payload          []byte
	ExtractedID      string
	RequiresTracking bool
	ResponseSubject  string
	ResponseIDField  string
}

// ListenerStarter is the subset of the listener manager the strategy needs.
type ListenerStarter interface {
	EnsureListenerActive(subject, idField string) (string, error)
}

// PayloadTrackingStrategy decides tracking by extracting the correlation
// value from the existing business payload; no field is injected. When
// tracking applies it ensures the response listener is active BEFORE the
// message is published, so a fast response cannot be lost.
type PayloadTrackingStrategy struct {
	listeners ListenerStarter
	requests  store.RequestStore
	logger    logging.ServiceLogger
}

// NewPayloadTrackingStrategy returns the payload-id tracking strategy.
func NewPayloadTrackingStrategy(listeners ListenerStarter, requests store.RequestStore, logger logging.ServiceLogger) *PayloadTrackingStrategy {
	if logger == nil {
		logger = logging.Nop()
	}
	return &PayloadTrackingStrategy{
		listeners: listeners,
		requests:  requests,
		logger:    logger,
	}
}

// ProcessRequest evaluates req and, when tracking is required, activates the
// response listener. The returned context carries the payload unchanged.
func (s *PayloadTrackingStrategy) ProcessRequest(_ context.Context, req PublishRequest, requestID string) (TrackingContext, error) {
	tc := TrackingContext{
		RequestID:       requestID,
		Payload:         req.Payload,
		ResponseSubject: req.ResponseSubject,
		ResponseIDField: req.ResponseIDField,
	}

	if req.ResponseSubject == "" || req.ResponseIDField == "" {
		return tc, nil
	}

	extracted, ok := payload.ExtractBytes(req.Payload, req.ResponseIDField)
	if !ok {
		return tc, errspkg.NewValidationError(req.ResponseIDField,
			fmt.Errorf("correlation field not found in payload"))
	}
	tc.ExtractedID = extracted
	tc.RequiresTracking = true

	// Subscribe-before-publish: the listener must exist before the message
	// leaves, or a fast responder could answer into the void.
	if _, err := s.listeners.EnsureListenerActive(req.ResponseSubject, req.ResponseIDField); err != nil {
		return tc, fmt.Errorf("failed to activate response listener: %w", err)
	}

	s.logger.Debug("tracking enabled for publish", logging.LogFields{
		"request_id":       requestID,
		"response_subject": req.ResponseSubject,
		"correlation_id":   extracted,
	})
	return tc, nil
}

// HandlePublishSuccess confirms the record's PENDING status after the
// transport accepted the message.
func (s *PayloadTrackingStrategy) HandlePublishSuccess(ctx context.Context, tc TrackingContext) error {
	if !tc.RequiresTracking {
		return nil
	}

	record, err := s.requests.FindByID(ctx, tc.RequestID)
	if errors.Is(err, errspkg.ErrNotFound) {
		s.logger.Info("published request has no record", logging.LogFields{
			"request_id": tc.RequestID,
		})
		return nil
	}
	if err != nil {
		return err
	}

	if record.Status != store.StatusPending {
		// A response can legitimately land before the publish ack returns.
		s.logger.Debug("request already past PENDING after publish", logging.LogFields{
			"request_id": tc.RequestID,
			"status":     string(record.Status),
		})
		return nil
	}

	record.Status = store.StatusPending
	return s.requests.Save(ctx, record)
}
