// Package store defines the narrow persistence contract the tracker depends
// on: request records and recovery lock rows.
package store

import "time"

// RequestStatus is the lifecycle state of a tracked request.
type RequestStatus string

const (
	StatusPending RequestStatus = "PENDING"
	StatusSuccess RequestStatus = "SUCCESS"
	StatusFailed  RequestStatus = "FAILED"
	StatusTimeout RequestStatus = "TIMEOUT"
	StatusError   RequestStatus = "ERROR"
)

// Terminal reports whether no further transitions are expected for s.
func (s RequestStatus) Terminal() bool {
	return s != StatusPending
}

// RequestRecord is the persisted view of a tracked publish. The tracker never
// deletes records; it only creates them and moves their status forward.
type RequestRecord struct {
	ID              string
	Subject         string
	Payload         []byte
	Response        []byte
	Status          RequestStatus
	CorrelationID   string
	ResponseSubject string
	ResponseIDField string
	WebhookURL      string
	ErrorMessage    string
	RetryCount      int
	RequestedAt     time.Time
	RespondedAt     *time.Time
}

// Tracked reports whether the record expects a correlated response.
func (r *RequestRecord) Tracked() bool {
	return r.ResponseSubject != "" && r.ResponseIDField != ""
}

// LockStatus is the lifecycle state of a recovery lock row.
type LockStatus string

const (
	LockActive    LockStatus = "ACTIVE"
	LockExpired   LockStatus = "EXPIRED"
	LockCompleted LockStatus = "COMPLETED"
)

// RecoveryLock is a lease row granting one process exclusive recovery rights.
// At most one ACTIVE non-expired row may exist per key; the store's atomic
// uniqueness guarantee enforces that.
type RecoveryLock struct {
	Key        string
	HolderID   string
	Status     LockStatus
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *RecoveryLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
