package listener

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/metrics"
	"github.com/pubtrack/pubtrack/internal/tracker/transport"
)

// Manager is the idempotent entry point for listener creation: exactly one
// listener per subject, no matter how many publishers or recovery passes ask
// for it concurrently.
type Manager struct {
	registry   *Registry
	subscriber transport.Subscriber
	handler    Handler
	config     FetchConfig
	logger     logging.ServiceLogger
	metrics    *metrics.Metrics

	// serializes creation so concurrent EnsureListenerActive calls for the
	// same subject produce exactly one winner
	mu sync.Mutex
}

// NewManager returns a Manager feeding every message to handler.
func NewManager(registry *Registry, subscriber transport.Subscriber, handler Handler, cfg FetchConfig, logger logging.ServiceLogger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		registry:   registry,
		subscriber: subscriber,
		handler:    handler,
		config:     cfg.withDefaults(),
		logger:     logger,
		metrics:    m,
	}
}

// Registry exposes the underlying registry for status snapshots.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// EnsureListenerActive opens a pull subscription, starts a fetch loop and
// registers the listener, unless one is already active for subject. It
// returns the listener id; subsequent calls for the same subject return the
// existing id. HasActiveListenerFor is true the moment this returns.
func (m *Manager) EnsureListenerActive(subject, idField string) (string, error) {
	if m.registry.HasActiveListenerFor(subject) {
		info, _ := m.registry.Lookup(subject)
		return info.ID, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the lock; another caller may have won.
	if m.registry.HasActiveListenerFor(subject) {
		info, _ := m.registry.Lookup(subject)
		return info.ID, nil
	}

	sub, err := m.subscriber.OpenPull(subject)
	if err != nil {
		return "", fmt.Errorf("failed to open pull subscription for %s: %w", subject, err)
	}

	running := &atomic.Bool{}
	running.Store(true)

	// The loop's lifetime is owned by the manager, not the caller's request.
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	processor := NewProcessor(subject, idField, m.handler, m.logger)
	loop := NewFetchLoop(sub, processor, running, m.config, m.logger)

	id := m.registry.Register(&Info{
		Subject:      subject,
		IDField:      idField,
		Subscription: sub,
		Handler:      m.handler,
		Running:      running,
		Cancel:       cancel,
		Done:         done,
		StartedAt:    time.Now(),
	})

	go func() {
		defer close(done)
		loop.Run(loopCtx)
	}()

	m.metrics.ListenerStarted()
	m.logger.Info("listener started", logging.LogFields{
		"listener_id": id,
		"subject":     subject,
		"id_field":    idField,
	})
	return id, nil
}

// StopListener flips the running flag, cancels the loop and waits for it to
// observe the stop. Returns false if no such listener exists.
func (m *Manager) StopListener(id string) bool {
	info, ok := m.registry.Unregister(id)
	if !ok {
		return false
	}
	m.stop(info)
	return true
}

// StopAll stops every registered listener and clears the registry.
func (m *Manager) StopAll() {
	for _, info := range m.registry.ClearAll() {
		m.stop(info)
	}
}

func (m *Manager) stop(info *Info) {
	info.Running.Store(false)
	info.Cancel()
	if info.Done != nil {
		<-info.Done
	}
	m.metrics.ListenerStopped()
	m.logger.Info("listener stopped", logging.LogFields{
		"listener_id": info.ID,
		"subject":     info.Subject,
	})
}
