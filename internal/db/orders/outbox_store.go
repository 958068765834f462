package ordersdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"storefront/internal/outbox"
)

// OutboxStore persists outbox records in Postgres.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore constructs an OutboxStore backed by Postgres.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// NewOutboxStoreWithSchema initializes the schema then returns the store.
func NewOutboxStoreWithSchema(ctx context.Context, db *sql.DB) (*OutboxStore, error) {
	store := NewOutboxStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the outbox table if it does not exist.
func (s *OutboxStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			message_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_due_idx ON outbox (status, next_attempt_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOutbox(ctx context.Context, ex execer, rec outbox.Record) error {
	status := rec.Status
	if status == "" {
		status = outbox.StatusPending
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO outbox (message_id, order_id, message_type, payload, status, retry_count, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.OrderID, rec.MessageType, []byte(rec.Payload), string(status), rec.RetryCount,
		rec.NextAttemptAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", rec.MessageType, err)
	}
	return nil
}

func (s *OutboxStore) Enqueue(ctx context.Context, rec outbox.Record) error {
	return insertOutbox(ctx, s.db, rec)
}

// FindPending returns due records oldest first. Rows are not locked; a single
// dispatcher instance owns delivery.
func (s *OutboxStore) FindPending(ctx context.Context, now time.Time, limit int) ([]outbox.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, order_id, message_type, payload, status, retry_count,
			COALESCE(last_error, ''), next_attempt_at, created_at, updated_at
		FROM outbox
		WHERE status IN ('pending', 'failed') AND next_attempt_at <= $1
		ORDER BY created_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		var status string
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.MessageType, &payload, &status, &rec.RetryCount,
			&rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Status = outbox.Status(status)
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *OutboxStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.mark(ctx, `
		UPDATE outbox SET status = 'sent', sent_at = $2, updated_at = $2
		WHERE message_id = $1`, id, at)
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error {
	return s.mark(ctx, `
		UPDATE outbox SET status = 'failed', retry_count = retry_count + 1, last_error = $2,
			next_attempt_at = $3, updated_at = NOW()
		WHERE message_id = $1`, id, reason, nextAttemptAt)
}

func (s *OutboxStore) MarkAbandoned(ctx context.Context, id, reason string) error {
	return s.mark(ctx, `
		UPDATE outbox SET status = 'abandoned', retry_count = retry_count + 1, last_error = $2,
			updated_at = NOW()
		WHERE message_id = $1`, id, reason)
}

// Requeue resets an abandoned record to pending for manual replay.
func (s *OutboxStore) Requeue(ctx context.Context, id string) error {
	return s.mark(ctx, `
		UPDATE outbox SET status = 'pending', retry_count = 0, next_attempt_at = NOW(), updated_at = NOW()
		WHERE message_id = $1 AND status = 'abandoned'`, id)
}

func (s *OutboxStore) mark(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %v", outbox.ErrNotFound, args[0])
	}
	return nil
}
