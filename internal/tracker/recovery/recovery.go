// Package recovery re-establishes response listeners after a restart for
// every request still awaiting a response. Exactly one process replica runs
// it, serialized by the lease lock.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/pubtrack/pubtrack/internal/tracker/lock"
	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/metrics"
	"github.com/pubtrack/pubtrack/internal/tracker/retry"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
)

// ListenerStarter is the subset of the listener manager recovery needs.
type ListenerStarter interface {
	EnsureListenerActive(subject, idField string) (string, error)
}

// Config tunes the recovery pass.
type Config struct {
	// Enabled gates the whole pass.
	Enabled bool
	// FailFast makes unexpected lock errors fatal instead of logged.
	FailFast bool
	// LockKey is the fixed lease key shared by all replicas.
	LockKey string
	// LockTTL bounds how long a crashed holder blocks other replicas.
	LockTTL time.Duration
	// Attempts and Delay bound the retry around transient fetch failures.
	Attempts int
	Delay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockKey == "" {
		c.LockKey = "pubtrack-listener-recovery"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Delay <= 0 {
		c.Delay = 2 * time.Second
	}
	return c
}

// Service runs the startup listener recovery.
type Service struct {
	requests  store.RequestStore
	locks     *lock.Service
	listeners ListenerStarter
	executor  *retry.Executor
	config    Config
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
}

// NewService returns a recovery service.
func NewService(requests store.RequestStore, locks *lock.Service, listeners ListenerStarter, executor *retry.Executor, cfg Config, logger logging.ServiceLogger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	if executor == nil {
		executor = retry.NewExecutor(logger)
	}
	return &Service{
		requests:  requests,
		locks:     locks,
		listeners: listeners,
		executor:  executor,
		config:    cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
	}
}

// Run executes one recovery pass. Losing the lock to another replica is
// normal and silent; any other lock failure is logged, and fatal only when
// FailFast is set. The lock is always released on exit.
func (s *Service) Run(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	result, err := s.locks.Acquire(ctx, s.config.LockKey, s.config.LockTTL)
	if err != nil {
		s.logger.Error("recovery lock acquisition failed", err, logging.LogFields{
			"lock_key": s.config.LockKey,
		})
		s.metrics.RecoveryRun("lock_error")
		if s.config.FailFast {
			return fmt.Errorf("recovery lock acquisition failed: %w", err)
		}
		return nil
	}
	if !result.Acquired {
		s.logger.Debug("recovery skipped, lock held elsewhere", logging.LogFields{
			"lock_key":  s.config.LockKey,
			"reason":    result.Reason,
			"holder_id": result.HolderID,
		})
		s.metrics.RecoveryRun("skipped")
		return nil
	}

	defer func() {
		if _, err := s.locks.Release(context.WithoutCancel(ctx), s.config.LockKey); err != nil {
			s.logger.Error("failed to release recovery lock", err, logging.LogFields{
				"lock_key": s.config.LockKey,
			})
		}
	}()

	strategy := retry.FixedDelay{
		Interval: s.config.Delay,
		Attempts: s.config.Attempts,
	}
	err = s.executor.DoWait(ctx, "listener recovery", s.recoverPending, strategy)
	if err != nil {
		s.metrics.RecoveryRun("failed")
		if s.config.FailFast {
			return err
		}
		s.logger.Error("listener recovery failed", err, nil)
		return nil
	}
	s.metrics.RecoveryRun("ok")
	return nil
}

type listenerKey struct {
	subject string
	idField string
}

// recoverPending fetches all pending records, deduplicates their
// (responseSubject, responseIdField) pairs and ensures one listener per
// pair. One pair's failure is logged and does not abort the rest.
func (s *Service) recoverPending(ctx context.Context) error {
	pending, err := s.requests.FindByStatus(ctx, store.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to fetch pending requests: %w", err)
	}

	seen := make(map[listenerKey]struct{})
	recovered, failed := 0, 0
	for _, record := range pending {
		if !record.Tracked() {
			continue
		}
		key := listenerKey{subject: record.ResponseSubject, idField: record.ResponseIDField}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if _, err := s.listeners.EnsureListenerActive(key.subject, key.idField); err != nil {
			failed++
			s.logger.Error("failed to recover listener", err, logging.LogFields{
				"subject":  key.subject,
				"id_field": key.idField,
			})
			continue
		}
		recovered++
	}

	s.logger.Info("listener recovery finished", logging.LogFields{
		"pending":   len(pending),
		"recovered": recovered,
		"failed":    failed,
	})
	return nil
}
