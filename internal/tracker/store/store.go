package store

import (
	"context"
	"time"
)

// RequestStore is the CRUD surface for RequestRecord rows. Absent rows are
// reported with errors.ErrNotFound; implementations must support safe
// per-key updates so concurrent status transitions do not corrupt rows.
type RequestStore interface {
	Save(ctx context.Context, record *RequestRecord) error
	FindByID(ctx context.Context, id string) (*RequestRecord, error)
	FindByCorrelation(ctx context.Context, correlationID string) (*RequestRecord, error)
	FindByStatus(ctx context.Context, status RequestStatus) ([]RequestRecord, error)
	FindByStatusOlderThan(ctx context.Context, status RequestStatus, cutoff time.Time) ([]RequestRecord, error)
	UpdateStatusAndResponse(ctx context.Context, id string, status RequestStatus, response []byte, respondedAt time.Time) error
	UpdateStatusAndError(ctx context.Context, id string, status RequestStatus, message string) error
	CountByStatus(ctx context.Context) (map[RequestStatus]int64, error)
}

// LockStore is the persistence surface for recovery lock rows. Insert must be
// atomic insert-if-absent: a second ACTIVE row for the same key fails with
// errors.ErrLockExists. The lease-lock correctness rests entirely on that
// guarantee.
type LockStore interface {
	FindActive(ctx context.Context, key string, now time.Time) (*RecoveryLock, error)
	Insert(ctx context.Context, lock *RecoveryLock) error
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	MarkCompleted(ctx context.Context, key, holderID string) (bool, error)
}
