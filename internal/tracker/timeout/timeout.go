// Package timeout marks stale pending requests as timed out via a periodic
// sweep. The sweep is idempotent and safe to run on several replicas at
// once; re-marking an already-terminal record is harmless.
package timeout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/metrics"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
)

// Config tunes the sweep.
type Config struct {
	// RequestTimeout is how long a request may stay PENDING.
	RequestTimeout time.Duration
	// SweepInterval is how often the sweep runs. Timeout detection latency
	// is bounded by this value.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Manager owns the periodic timeout sweep.
type Manager struct {
	requests store.RequestStore
	config   Config
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager returns a sweep manager.
func NewManager(requests store.RequestStore, cfg Config, logger logging.ServiceLogger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		requests: requests,
		config:   cfg.withDefaults(),
		logger:   logger,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling Start more than once is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := m.SweepOnce(ctx); err != nil {
					m.logger.Error("timeout sweep failed", err, nil)
				} else if n > 0 {
					m.logger.Info("timeout sweep marked requests", logging.LogFields{
						"count": n,
					})
				}
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit. It is idempotent and
// safe to call even when Start never ran.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

// SweepOnce marks every PENDING record older than the timeout threshold as
// TIMEOUT and returns how many were marked. A record failing to update is
// logged and skipped; the sweep proceeds.
func (m *Manager) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.config.RequestTimeout)
	stale, err := m.requests.FindByStatusOlderThan(ctx, store.StatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale requests: %w", err)
	}

	marked := 0
	for _, record := range stale {
		reason := fmt.Sprintf("request timed out after %s", m.config.RequestTimeout)
		if err := m.requests.UpdateStatusAndError(ctx, record.ID, store.StatusTimeout, reason); err != nil {
			m.logger.Error("failed to mark request as timed out", err, logging.LogFields{
				"request_id": record.ID,
			})
			continue
		}
		marked++
	}

	m.metrics.TimeoutsSwept(marked)
	return marked, nil
}
