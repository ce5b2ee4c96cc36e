// Package tracker assembles the correlation engine: the publish façade, the
// listener lifecycle, the timeout sweep and the startup recovery pass.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pubtrack/pubtrack/internal/tracker/config"
	"github.com/pubtrack/pubtrack/internal/tracker/correlation"
	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/ids"
	"github.com/pubtrack/pubtrack/internal/tracker/listener"
	"github.com/pubtrack/pubtrack/internal/tracker/lock"
	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/metrics"
	"github.com/pubtrack/pubtrack/internal/tracker/notify"
	"github.com/pubtrack/pubtrack/internal/tracker/recovery"
	"github.com/pubtrack/pubtrack/internal/tracker/retry"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
	"github.com/pubtrack/pubtrack/internal/tracker/timeout"
	"github.com/pubtrack/pubtrack/internal/tracker/transport"

	"github.com/prometheus/client_golang/prometheus"
)

// ServiceDependencies carries the collaborators a Service is built from.
// Transport and Requests are required; the rest have working defaults.
type ServiceDependencies struct {
	Transport transport.Transport
	Requests  store.RequestStore
	Locks     store.LockStore
	Notifier  correlation.Notifier
	Logger    logging.ServiceLogger
	Registry  prometheus.Registerer
}

// PublishResult is the asynchronous outcome of a tracked publish. Done
// receives exactly one value: nil on success, or the descriptive error that
// failed the publish.
type PublishResult struct {
	RequestID string
	Done      <-chan error
}

// Statistics is the read-only projection over persisted request records.
type Statistics struct {
	Total       int64
	ByStatus    map[store.RequestStatus]int64
	SuccessRate float64
}

// Service is the orchestrator tying the tracking strategy, the transport and
// the persisted request status together.
type Service struct {
	conf     *config.Config
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	requests store.RequestStore

	transport transport.Transport
	listeners *listener.Manager
	strategy  *correlation.PayloadTrackingStrategy
	correlate *correlation.Service
	timeouts  *timeout.Manager
	recovery  recoveryRunner
	executor  *retry.Executor

	publishRetry retry.Strategy
}

type recoveryRunner interface {
	Run(ctx context.Context) error
}

var _ recoveryRunner = (*recovery.Service)(nil)

// NewService wires a complete tracker from cfg and deps.
func NewService(cfg *config.Config, deps ServiceDependencies) (*Service, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if deps.Requests == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if cfg.RecoveryEnabled && deps.Locks == nil {
		return nil, errspkg.ErrLockStoreRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(deps.Registry)
	}

	executor := retry.NewExecutor(logger)

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewWebhookNotifier(nil, executor, nil, logger)
	}

	correlate := correlation.NewService(deps.Requests, notifier, logger, m)

	registry := listener.NewRegistry()
	handler := func(ctx context.Context, msg listener.Received) error {
		_, err := correlate.ProcessResponse(ctx, msg, msg.Subject)
		return err
	}
	listeners := listener.NewManager(registry, deps.Transport, handler, listener.FetchConfig{
		BatchSize:         cfg.FetchBatchSize,
		MaxWait:           cfg.FetchMaxWait,
		BackoffInitial:    cfg.FetchBackoffInit,
		BackoffMultiplier: cfg.FetchBackoffMulti,
		BackoffMax:        cfg.FetchBackoffMax,
	}, logger, m)

	strategy := correlation.NewPayloadTrackingStrategy(listeners, deps.Requests, logger)

	timeouts := timeout.NewManager(deps.Requests, timeout.Config{
		RequestTimeout: cfg.RequestTimeout,
		SweepInterval:  cfg.SweepInterval,
	}, logger, m)

	s := &Service{
		conf:      cfg,
		logger:    logger,
		metrics:   m,
		requests:  deps.Requests,
		transport: deps.Transport,
		listeners: listeners,
		strategy:  strategy,
		correlate: correlate,
		timeouts:  timeouts,
		executor:  executor,
		publishRetry: retry.ExponentialBackoff{
			Initial:  cfg.PublishRetryInitial,
			Max:      cfg.PublishRetryMax,
			Attempts: cfg.PublishRetryAttempts,
		},
	}

	if cfg.RecoveryEnabled {
		locks := lock.NewService(deps.Locks, cfg.HolderID, logger)
		s.recovery = recovery.NewService(deps.Requests, locks, listeners, executor, recovery.Config{
			Enabled:  true,
			FailFast: cfg.RecoveryFailFast,
			LockKey:  cfg.RecoveryLockKey,
			LockTTL:  cfg.RecoveryLockTTL,
			Attempts: cfg.RecoveryAttempts,
			Delay:    cfg.RecoveryDelay,
		}, logger, m)
	}

	return s, nil
}

// Start runs the startup recovery pass and launches the timeout sweep.
func (s *Service) Start(ctx context.Context) error {
	if s.recovery != nil {
		if err := s.recovery.Run(ctx); err != nil {
			return err
		}
	}
	s.timeouts.Start(ctx)
	return nil
}

// Stop halts the sweep and every listener.
func (s *Service) Stop() {
	s.timeouts.Stop()
	s.listeners.StopAll()
}

// PublishWithTracking validates req, ensures the response listener is active
// when tracking applies, persists a PENDING record and publishes. The
// publish itself runs asynchronously with retry; the returned result's Done
// channel completes it.
func (s *Service) PublishWithTracking(ctx context.Context, req correlation.PublishRequest) (*PublishResult, error) {
	if req.Subject == "" {
		return nil, errspkg.NewValidationError("subject", errspkg.ErrSubjectRequired)
	}
	if len(req.Payload) == 0 {
		return nil, errspkg.NewValidationError("payload", errspkg.ErrPayloadRequired)
	}
	if (req.ResponseSubject == "") != (req.ResponseIDField == "") {
		return nil, errspkg.NewValidationError("response_subject", errspkg.ErrIDFieldRequired)
	}

	requestID := ids.NewRequestID()

	// Extraction and listener activation happen before anything is persisted
	// or published; a validation failure here leaves no side effects.
	tc, err := s.strategy.ProcessRequest(ctx, req, requestID)
	if err != nil {
		return nil, err
	}

	record := &store.RequestRecord{
		ID:              requestID,
		Subject:         req.Subject,
		Payload:         req.Payload,
		Status:          store.StatusPending,
		CorrelationID:   tc.ExtractedID,
		ResponseSubject: req.ResponseSubject,
		ResponseIDField: req.ResponseIDField,
		WebhookURL:      req.WebhookURL,
		RequestedAt:     time.Now(),
	}
	if err := s.requests.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist request record: %w", err)
	}

	headers := map[string]string{transport.HeaderMessageID: requestID}
	publishOp := func(ctx context.Context) error {
		_, err := s.transport.Publish(ctx, req.Subject, tc.Payload, headers)
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := <-s.executor.Do(ctx, "publish "+requestID, publishOp, s.publishRetry)
		if err != nil {
			publishErr := fmt.Errorf("failed to publish request %s to %s: %w", requestID, req.Subject, err)
			if markErr := s.requests.UpdateStatusAndError(context.WithoutCancel(ctx), requestID, store.StatusError, publishErr.Error()); markErr != nil {
				s.logger.Error("failed to mark request as errored", markErr, logging.LogFields{
					"request_id": requestID,
				})
			}
			done <- publishErr
			return
		}

		s.metrics.RequestPublished()
		if err := s.strategy.HandlePublishSuccess(ctx, tc); err != nil {
			s.logger.Error("failed to confirm pending status", err, logging.LogFields{
				"request_id": requestID,
			})
		}
		done <- nil
	}()

	return &PublishResult{RequestID: requestID, Done: done}, nil
}

// GetStatus returns the persisted record for id, or nil when unknown. A
// missing record is not an error.
func (s *Service) GetStatus(ctx context.Context, requestID string) (*store.RequestRecord, error) {
	record, err := s.requests.FindByID(ctx, requestID)
	if errors.Is(err, errspkg.ErrNotFound) {
		return nil, nil
	}
	return record, err
}

// GetByStatus returns every record currently in the given status.
func (s *Service) GetByStatus(ctx context.Context, status store.RequestStatus) ([]store.RequestRecord, error) {
	return s.requests.FindByStatus(ctx, status)
}

// GetStatistics returns per-status counts and the overall success rate as a
// percentage (0 when nothing was tracked yet).
func (s *Service) GetStatistics(ctx context.Context) (Statistics, error) {
	counts, err := s.requests.CountByStatus(ctx)
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{ByStatus: counts}
	for _, count := range counts {
		stats.Total += count
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(counts[store.StatusSuccess]) / float64(stats.Total) * 100
	}
	return stats, nil
}

// ListenerStatuses returns a snapshot of every registered listener.
func (s *Service) ListenerStatuses() []listener.Status {
	return s.listeners.Registry().Snapshot()
}

// Correlator exposes the correlation service for direct terminal
// transitions (MarkRequestAsFailed / MarkRequestAsTimeout).
func (s *Service) Correlator() *correlation.Service {
	return s.correlate
}

// SweepTimeoutsOnce runs one timeout sweep outside the periodic schedule.
func (s *Service) SweepTimeoutsOnce(ctx context.Context) (int, error) {
	return s.timeouts.SweepOnce(ctx)
}
