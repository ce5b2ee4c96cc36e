// Package lock provides lease-row mutual exclusion in shared storage. It is
// deliberately not a consensus implementation: correctness rests on the
// store's atomic insert-if-absent guarantee.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/ids"
	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
)

// Acquire outcome reasons.
const (
	ReasonAlreadyHeld = "already held"
	ReasonLostRace    = "lost race"
)

// AcquireResult describes one acquisition attempt. Contention is not an
// error: Acquired is false and Reason names why.
type AcquireResult struct {
	Acquired  bool
	Reason    string
	HolderID  string
	ExpiresAt time.Time
}

// Service implements the lease lock on a LockStore.
type Service struct {
	locks    store.LockStore
	holderID string
	logger   logging.ServiceLogger
}

// NewService returns a lock service owned by holderID. An empty holderID is
// resolved from the environment with a random local fallback.
func NewService(locks store.LockStore, holderID string, logger logging.ServiceLogger) *Service {
	if holderID == "" {
		holderID = ResolveHolderID("POD_NAME", "HOSTNAME")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{locks: locks, holderID: holderID, logger: logger}
}

// HolderID returns this process's lock identity.
func (s *Service) HolderID() string { return s.holderID }

// ResolveHolderID returns the first non-empty value among the given
// environment variables, falling back to a random local identity.
func ResolveHolderID(envKeys ...string) string {
	for _, key := range envKeys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return "local-" + ids.CreateULID()
}

// Acquire attempts to take the lease for key with the given TTL. Stale
// ACTIVE rows are expired best-effort first. Holding by another process and
// losing an insert race both return a non-acquired result, not an error.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (AcquireResult, error) {
	now := time.Now()

	if _, err := s.locks.MarkExpired(ctx, now); err != nil {
		// Best effort: a failed expiry pass must not block acquisition.
		s.logger.Error("failed to expire stale lock rows", err, logging.LogFields{
			"lock_key": key,
		})
	}

	if existing, err := s.locks.FindActive(ctx, key, now); err == nil {
		return AcquireResult{
			Acquired:  false,
			Reason:    ReasonAlreadyHeld,
			HolderID:  existing.HolderID,
			ExpiresAt: existing.ExpiresAt,
		}, nil
	} else if !errors.Is(err, errspkg.ErrNotFound) {
		return AcquireResult{}, fmt.Errorf("failed to look up active lock: %w", err)
	}

	lock := &store.RecoveryLock{
		Key:        key,
		HolderID:   s.holderID,
		Status:     store.LockActive,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	err := s.locks.Insert(ctx, lock)
	if errors.Is(err, errspkg.ErrLockExists) {
		result := AcquireResult{Acquired: false, Reason: ReasonLostRace}
		// Report the winner's identity when discoverable.
		if winner, findErr := s.locks.FindActive(ctx, key, now); findErr == nil {
			result.HolderID = winner.HolderID
			result.ExpiresAt = winner.ExpiresAt
		}
		return result, nil
	}
	if err != nil {
		return AcquireResult{}, fmt.Errorf("failed to insert lock row: %w", err)
	}

	s.logger.Info("recovery lock acquired", logging.LogFields{
		"lock_key":   key,
		"holder_id":  s.holderID,
		"expires_at": lock.ExpiresAt,
	})
	return AcquireResult{
		Acquired:  true,
		HolderID:  s.holderID,
		ExpiresAt: lock.ExpiresAt,
	}, nil
}

// Release marks the lease COMPLETED if this process owns it, reporting
// whether anything changed.
func (s *Service) Release(ctx context.Context, key string) (bool, error) {
	released, err := s.locks.MarkCompleted(ctx, key, s.holderID)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	if released {
		s.logger.Info("recovery lock released", logging.LogFields{
			"lock_key":  key,
			"holder_id": s.holderID,
		})
	}
	return released, nil
}
