package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const defaultLease = 5 * time.Minute

type PostgresStore struct {
	db *sql.DB
	// lease bounds how long a processing claim blocks other deliveries.
	lease time.Duration
}

func NewPostgresStore(db *sql.DB, lease time.Duration) *PostgresStore {
	if lease <= 0 {
		lease = defaultLease
	}
	return &PostgresStore{db: db, lease: lease}
}

const selectRecord = `SELECT key, event_type, event_id, status, retries, max_retries, payload, last_error, created_at, updated_at FROM idempotency_records WHERE key = $1`

// CreateOrGet inserts rec unless its key exists and returns the stored row.
func (s *PostgresStore) CreateOrGet(ctx context.Context, rec *Record) (*Record, error) {
	query := `INSERT INTO idempotency_records (key, event_type, event_id, status, retries, max_retries, payload)
		VALUES ($1, $2, $3, $4, 0, $5, $6) ON CONFLICT (key) DO NOTHING`
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if _, err := s.db.ExecContext(ctx, query, rec.Key, rec.EventType, rec.EventID, StatusPending, rec.MaxRetries, payload); err != nil {
		return nil, err
	}
	return s.Get(ctx, rec.Key)
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{}
	var payload []byte
	err := s.db.QueryRowContext(ctx, selectRecord, key).Scan(&rec.Key, &rec.EventType, &rec.EventID, &rec.Status,
		&rec.Retries, &rec.MaxRetries, &payload, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return rec, nil
}

func (s *PostgresStore) Claim(ctx context.Context, key string, retries int) (bool, error) {
	query := `UPDATE idempotency_records SET status = $1, retries = retries + 1, updated_at = NOW()
		WHERE key = $2 AND retries = $3
		AND (status = $4 OR (status = $1 AND updated_at < NOW() - $5 * INTERVAL '1 second'))`
	return affected(s.db.ExecContext(ctx, query, StatusProcessing, key, retries, StatusPending, s.lease.Seconds()))
}

func (s *PostgresStore) Release(ctx context.Context, key, lastError string) error {
	query := `UPDATE idempotency_records SET status = $1, last_error = $2, updated_at = NOW() WHERE key = $3 AND status = $4`
	_, err := s.db.ExecContext(ctx, query, StatusPending, lastError, key, StatusProcessing)
	return err
}

func (s *PostgresStore) Complete(ctx context.Context, key string) (bool, error) {
	query := `UPDATE idempotency_records SET status = $1, last_error = '', updated_at = NOW() WHERE key = $2 AND status = $3`
	return affected(s.db.ExecContext(ctx, query, StatusCompleted, key, StatusProcessing))
}

func (s *PostgresStore) Fail(ctx context.Context, key, lastError string) (bool, error) {
	query := `UPDATE idempotency_records SET status = $1, last_error = $2, updated_at = NOW() WHERE key = $3 AND status IN ($4, $5)`
	return affected(s.db.ExecContext(ctx, query, StatusFailed, lastError, key, StatusPending, StatusProcessing))
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
