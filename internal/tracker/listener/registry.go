// Package listener manages the dynamic lifecycle of response listeners: the
// registry bookkeeping, the per-listener fetch loop and the message
// processor feeding correlation handlers.
package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pubtrack/pubtrack/internal/tracker/transport"
)

// Received is the normalized view of one inbound message handed to handlers.
type Received struct {
	Subject       string
	MessageID     string
	CorrelationID string
	Payload       []byte
	Sequence      uint64
}

// Handler consumes a normalized message. A non-nil error leaves the message
// un-acked for broker redelivery.
type Handler func(ctx context.Context, msg Received) error

// Info is the registry's record of one active listener. The registry only
// stores it; stopping the task and flipping the flag is the caller's job.
type Info struct {
	ID           string
	Subject      string
	IDField      string
	Subscription transport.PullSubscription
	Handler      Handler
	Running      *atomic.Bool
	Cancel       context.CancelFunc
	Done         chan struct{}
	StartedAt    time.Time
}

// Status is a point-in-time snapshot entry for one listener.
type Status struct {
	ID        string
	Subject   string
	IDField   string
	Active    bool
	StartedAt time.Time
}

// Registry is a concurrency-safe map of active listeners keyed by subject.
// It performs pure bookkeeping; callers coordinate stop ordering themselves.
type Registry struct {
	mu        sync.RWMutex
	bySubject map[string]*Info
	byID      map[string]*Info
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySubject: make(map[string]*Info),
		byID:      make(map[string]*Info),
	}
}

// Register stores the listener and returns its generated id.
func (r *Registry) Register(info *Info) string {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySubject[info.Subject] = info
	r.byID[info.ID] = info
	return info.ID
}

// Unregister removes the listener by id and returns it, if present.
func (r *Registry) Unregister(id string) (*Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if current, ok := r.bySubject[info.Subject]; ok && current.ID == id {
		delete(r.bySubject, info.Subject)
	}
	return info, true
}

// HasActiveListenerFor reports whether a running listener exists for subject.
func (r *Registry) HasActiveListenerFor(subject string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.bySubject[subject]
	return ok && info.Running.Load()
}

// Lookup returns the listener registered for subject.
func (r *Registry) Lookup(subject string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.bySubject[subject]
	return info, ok
}

// Snapshot returns the status of every registered listener.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, Status{
			ID:        info.ID,
			Subject:   info.Subject,
			IDField:   info.IDField,
			Active:    info.Running.Load(),
			StartedAt: info.StartedAt,
		})
	}
	return out
}

// ClearAll empties the registry and returns the removed listeners so the
// caller can stop their tasks.
func (r *Registry) ClearAll() []*Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Info, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, info)
	}
	r.bySubject = make(map[string]*Info)
	r.byID = make(map[string]*Info)
	return out
}
