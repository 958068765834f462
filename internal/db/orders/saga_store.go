package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/orders/saga"
)

// SagaStore persists idempotency keys and the saga step journal in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_sagas (
			saga_id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (saga_id) REFERENCES order_sagas(saga_id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Start inserts a new saga or returns the existing one for the idempotency
// key. A compensated run for the same request releases its key first, so the
// new run takes it over and the old journal stays in place.
func (s *SagaStore) Start(ctx context.Context, idempotencyKey, sagaID, orderID, userID, requestHash string) (saga.SagaRecord, bool, error) {
	var (
		record  saga.SagaRecord
		created bool
	)
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE order_sagas
			SET idempotency_key = NULL, updated_at = NOW()
			WHERE idempotency_key = $1 AND user_id = $2 AND request_hash = $3 AND status = $4`,
			idempotencyKey, userID, requestHash, string(saga.StateCompensated),
		); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO order_sagas (saga_id, idempotency_key, order_id, user_id, request_hash, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			sagaID, idempotencyKey, orderID, userID, requestHash, string(saga.StateRunning),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT saga_id, order_id, user_id, request_hash, status
			FROM order_sagas
			WHERE idempotency_key = $1`,
			idempotencyKey,
		)
		var status string
		if err := row.Scan(&record.SagaID, &record.OrderID, &record.UserID, &record.RequestHash, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("saga not found after insert")
			}
			return err
		}
		record.Status = saga.State(status)
		created = affected == 1
		return nil
	})
	if err != nil {
		return saga.SagaRecord{}, false, err
	}

	if record.UserID != userID || record.RequestHash != requestHash {
		return saga.SagaRecord{}, false, saga.ErrIdempotencyConflict
	}
	return record, created, nil
}

// UpdateStatus updates the saga's state and timestamp.
func (s *SagaStore) UpdateStatus(ctx context.Context, sagaID string, status saga.State) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE order_sagas
		SET status = $2, updated_at = NOW()
		WHERE saga_id = $1`,
		sagaID, string(status),
	)
	return err
}

// AddStep appends a journal row.
func (s *SagaStore) AddStep(ctx context.Context, sagaID, step, status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (saga_id, step, status, detail)
		VALUES ($1, $2, $3, $4)`,
		sagaID, step, status, detail,
	)
	return err
}
