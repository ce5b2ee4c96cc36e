// Package memory provides mutex-guarded in-memory implementations of the
// store contracts, used by tests and local examples.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
)

// RequestStore is an in-memory store.RequestStore.
type RequestStore struct {
	mu      sync.RWMutex
	records map[string]store.RequestRecord
}

// NewRequestStore returns an empty in-memory request store.
func NewRequestStore() *RequestStore {
	return &RequestStore{records: make(map[string]store.RequestRecord)}
}

func (s *RequestStore) Save(_ context.Context, record *store.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = *record
	return nil
}

func (s *RequestStore) FindByID(_ context.Context, id string) (*store.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, errspkg.ErrNotFound
	}
	return &record, nil
}

func (s *RequestStore) FindByCorrelation(_ context.Context, correlationID string) (*store.RequestRecord, error) {
	if correlationID == "" {
		return nil, errspkg.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *store.RequestRecord
	for _, record := range s.records {
		if record.CorrelationID != correlationID {
			continue
		}
		// Prefer the pending record; among several, the most recent wins.
		if found == nil ||
			(record.Status == store.StatusPending && found.Status != store.StatusPending) ||
			(record.Status == found.Status && record.RequestedAt.After(found.RequestedAt)) {
			copied := record
			found = &copied
		}
	}
	if found == nil {
		return nil, errspkg.ErrNotFound
	}
	return found, nil
}

func (s *RequestStore) FindByStatus(_ context.Context, status store.RequestStatus) ([]store.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.RequestRecord
	for _, record := range s.records {
		if record.Status == status {
			out = append(out, record)
		}
	}
	sortByRequestedAt(out)
	return out, nil
}

func (s *RequestStore) FindByStatusOlderThan(_ context.Context, status store.RequestStatus, cutoff time.Time) ([]store.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.RequestRecord
	for _, record := range s.records {
		if record.Status == status && record.RequestedAt.Before(cutoff) {
			out = append(out, record)
		}
	}
	sortByRequestedAt(out)
	return out, nil
}

func (s *RequestStore) UpdateStatusAndResponse(_ context.Context, id string, status store.RequestStatus, response []byte, respondedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return errspkg.ErrNotFound
	}
	record.Status = status
	record.Response = response
	record.RespondedAt = &respondedAt
	s.records[id] = record
	return nil
}

func (s *RequestStore) UpdateStatusAndError(_ context.Context, id string, status store.RequestStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return errspkg.ErrNotFound
	}
	record.Status = status
	record.ErrorMessage = message
	s.records[id] = record
	return nil
}

func (s *RequestStore) CountByStatus(_ context.Context) (map[store.RequestStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[store.RequestStatus]int64)
	for _, record := range s.records {
		counts[record.Status]++
	}
	return counts, nil
}

func sortByRequestedAt(records []store.RequestRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].RequestedAt.Before(records[j].RequestedAt)
	})
}

// LockStore is an in-memory store.LockStore. Insert-if-absent is atomic under
// the store mutex, mirroring the unique-index guarantee of the SQL store.
type LockStore struct {
	mu    sync.Mutex
	locks []store.RecoveryLock
}

// NewLockStore returns an empty in-memory lock store.
func NewLockStore() *LockStore {
	return &LockStore{}
}

func (s *LockStore) FindActive(_ context.Context, key string, now time.Time) (*store.RecoveryLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.locks {
		lock := s.locks[i]
		if lock.Key == key && lock.Status == store.LockActive && !lock.Expired(now) {
			return &lock, nil
		}
	}
	return nil, errspkg.ErrNotFound
}

func (s *LockStore) Insert(_ context.Context, lock *store.RecoveryLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.locks {
		if s.locks[i].Key == lock.Key && s.locks[i].Status == store.LockActive {
			return errspkg.ErrLockExists
		}
	}
	s.locks = append(s.locks, *lock)
	return nil
}

func (s *LockStore) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flipped int64
	for i := range s.locks {
		if s.locks[i].Status == store.LockActive && s.locks[i].Expired(now) {
			s.locks[i].Status = store.LockExpired
			flipped++
		}
	}
	return flipped, nil
}

func (s *LockStore) MarkCompleted(_ context.Context, key, holderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.locks {
		if s.locks[i].Key == key && s.locks[i].HolderID == holderID && s.locks[i].Status == store.LockActive {
			s.locks[i].Status = store.LockCompleted
			return true, nil
		}
	}
	return false, nil
}
