// Package postgres implements the store contracts on PostgreSQL.
//
// Lock insert-if-absent relies on a partial unique index over ACTIVE rows;
// a unique violation means another holder won the race.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
)

const uniqueViolation = "23505"

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema used for tracker tables. Defaults to "pubtrack".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = "pubtrack"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Store implements store.RequestStore and store.LockStore on one database.
type Store struct {
	db     *sql.DB
	config Config
}

// New opens the database, verifies connectivity and bootstraps the schema.
func New(cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}

	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &Store{db: db, config: cfg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	// #nosec G201 - schema name comes from withDefaults(), not user input
	_, err := s.db.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.config.SchemaName))
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// #nosec G201 - schema name comes from withDefaults(), not user input
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.request_records (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		payload BYTEA NOT NULL,
		response BYTEA,
		status TEXT NOT NULL DEFAULT 'PENDING',
		correlation_id TEXT,
		response_subject TEXT,
		response_id_field TEXT,
		webhook_url TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		responded_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_request_records_status_requested
		ON %[1]s.request_records(status, requested_at);

	CREATE INDEX IF NOT EXISTS idx_request_records_correlation
		ON %[1]s.request_records(correlation_id)
		WHERE correlation_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS %[1]s.recovery_locks (
		id BIGSERIAL PRIMARY KEY,
		lock_key TEXT NOT NULL,
		holder_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_recovery_locks_active
		ON %[1]s.recovery_locks(lock_key)
		WHERE status = 'ACTIVE';
	`, s.config.SchemaName)

	_, err = s.db.Exec(schema)
	return err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, record *store.RequestRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.request_records
			(id, subject, payload, response, status, correlation_id,
			 response_subject, response_id_field, webhook_url, error_message,
			 retry_count, requested_at, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			response = EXCLUDED.response,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			responded_at = EXCLUDED.responded_at
	`, s.config.SchemaName)

	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.Subject, record.Payload, record.Response,
		string(record.Status), nullable(record.CorrelationID),
		nullable(record.ResponseSubject), nullable(record.ResponseIDField),
		nullable(record.WebhookURL), nullable(record.ErrorMessage),
		record.RetryCount, record.RequestedAt, record.RespondedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save request record: %w", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*store.RequestRecord, error) {
	query := fmt.Sprintf(selectRecords+` WHERE id = $1`, s.config.SchemaName)
	return s.queryOne(ctx, query, id)
}

func (s *Store) FindByCorrelation(ctx context.Context, correlationID string) (*store.RequestRecord, error) {
	if correlationID == "" {
		return nil, errspkg.ErrNotFound
	}
	query := fmt.Sprintf(selectRecords+`
		WHERE correlation_id = $1
		ORDER BY (status = 'PENDING') DESC, requested_at DESC
		LIMIT 1`, s.config.SchemaName)
	return s.queryOne(ctx, query, correlationID)
}

func (s *Store) FindByStatus(ctx context.Context, status store.RequestStatus) ([]store.RequestRecord, error) {
	query := fmt.Sprintf(selectRecords+`
		WHERE status = $1 ORDER BY requested_at`, s.config.SchemaName)
	return s.queryMany(ctx, query, string(status))
}

func (s *Store) FindByStatusOlderThan(ctx context.Context, status store.RequestStatus, cutoff time.Time) ([]store.RequestRecord, error) {
	query := fmt.Sprintf(selectRecords+`
		WHERE status = $1 AND requested_at < $2 ORDER BY requested_at`, s.config.SchemaName)
	return s.queryMany(ctx, query, string(status), cutoff)
}

func (s *Store) UpdateStatusAndResponse(ctx context.Context, id string, status store.RequestStatus, response []byte, respondedAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s.request_records
		SET status = $2, response = $3, responded_at = $4
		WHERE id = $1
	`, s.config.SchemaName)

	result, err := s.db.ExecContext(ctx, query, id, string(status), response, respondedAt)
	if err != nil {
		return fmt.Errorf("failed to update request record: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errspkg.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateStatusAndError(ctx context.Context, id string, status store.RequestStatus, message string) error {
	query := fmt.Sprintf(`
		UPDATE %s.request_records
		SET status = $2, error_message = $3
		WHERE id = $1
	`, s.config.SchemaName)

	result, err := s.db.ExecContext(ctx, query, id, string(status), nullable(message))
	if err != nil {
		return fmt.Errorf("failed to update request record: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errspkg.ErrNotFound
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[store.RequestStatus]int64, error) {
	query := fmt.Sprintf(`
		SELECT status, COUNT(*) FROM %s.request_records GROUP BY status
	`, s.config.SchemaName)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count request records: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.RequestStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[store.RequestStatus(status)] = count
	}
	return counts, rows.Err()
}

func (s *Store) FindActive(ctx context.Context, key string, now time.Time) (*store.RecoveryLock, error) {
	query := fmt.Sprintf(`
		SELECT lock_key, holder_id, status, acquired_at, expires_at
		FROM %s.recovery_locks
		WHERE lock_key = $1 AND status = 'ACTIVE' AND expires_at > $2
	`, s.config.SchemaName)

	var lock store.RecoveryLock
	var status string
	err := s.db.QueryRowContext(ctx, query, key, now).Scan(
		&lock.Key, &lock.HolderID, &status, &lock.AcquiredAt, &lock.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errspkg.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active lock: %w", err)
	}
	lock.Status = store.LockStatus(status)
	return &lock, nil
}

func (s *Store) Insert(ctx context.Context, lock *store.RecoveryLock) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.recovery_locks (lock_key, holder_id, status, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.config.SchemaName)

	_, err := s.db.ExecContext(ctx, query,
		lock.Key, lock.HolderID, string(lock.Status), lock.AcquiredAt, lock.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return errspkg.ErrLockExists
		}
		return fmt.Errorf("failed to insert lock row: %w", err)
	}
	return nil
}

func (s *Store) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s.recovery_locks
		SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND expires_at <= $1
	`, s.config.SchemaName)

	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire lock rows: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) MarkCompleted(ctx context.Context, key, holderID string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s.recovery_locks
		SET status = 'COMPLETED'
		WHERE lock_key = $1 AND holder_id = $2 AND status = 'ACTIVE'
	`, s.config.SchemaName)

	result, err := s.db.ExecContext(ctx, query, key, holderID)
	if err != nil {
		return false, fmt.Errorf("failed to complete lock row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

const selectRecords = `
	SELECT id, subject, payload, response, status, correlation_id,
	       response_subject, response_id_field, webhook_url, error_message,
	       retry_count, requested_at, responded_at
	FROM %s.request_records`

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*store.RequestRecord, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errspkg.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query request record: %w", err)
	}
	return record, nil
}

func (s *Store) queryMany(ctx context.Context, query string, args ...any) ([]store.RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query request records: %w", err)
	}
	defer rows.Close()

	var out []store.RequestRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request record: %w", err)
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*store.RequestRecord, error) {
	var record store.RequestRecord
	var status string
	var correlationID, responseSubject, responseIDField, webhookURL, errorMessage sql.NullString
	var respondedAt sql.NullTime

	err := row.Scan(
		&record.ID, &record.Subject, &record.Payload, &record.Response, &status,
		&correlationID, &responseSubject, &responseIDField, &webhookURL,
		&errorMessage, &record.RetryCount, &record.RequestedAt, &respondedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = store.RequestStatus(status)
	record.CorrelationID = correlationID.String
	record.ResponseSubject = responseSubject.String
	record.ResponseIDField = responseIDField.String
	record.WebhookURL = webhookURL.String
	record.ErrorMessage = errorMessage.String
	if respondedAt.Valid {
		record.RespondedAt = &respondedAt.Time
	}
	return &record, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
