package ordersdb

import (
	"context"
	"database/sql"

	"storefront/internal/orders/saga"
)

// FailedCompensationStore is the Postgres dead-letter table for compensation
// failures. Rows are insert-only.
type FailedCompensationStore struct {
	db *sql.DB
}

// NewFailedCompensationStore constructs a store backed by Postgres.
func NewFailedCompensationStore(db *sql.DB) *FailedCompensationStore {
	return &FailedCompensationStore{db: db}
}

// NewFailedCompensationStoreWithSchema initializes the schema then returns the store.
func NewFailedCompensationStoreWithSchema(ctx context.Context, db *sql.DB) (*FailedCompensationStore, error) {
	store := NewFailedCompensationStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the failed_compensations table if it does not exist.
func (s *FailedCompensationStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS failed_compensations (
			id TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			severity TEXT NOT NULL,
			error TEXT NOT NULL,
			context JSONB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Record inserts rec. Writing the same id twice is a no-op so retried writes
// stay single.
func (s *FailedCompensationStore) Record(ctx context.Context, rec saga.FailedCompensation) error {
	var snapshot []byte
	if len(rec.Context) > 0 {
		snapshot = rec.Context
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_compensations (id, saga_id, order_id, user_id, step_name, step_order, severity, error, context, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SagaID, rec.OrderID, rec.UserID, rec.StepName, rec.StepOrder, string(rec.Severity),
		rec.Error, snapshot, rec.RetryCount, rec.CreatedAt,
	)
	return err
}
