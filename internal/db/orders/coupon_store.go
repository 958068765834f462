package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/orders"
)

// CouponStore persists coupon pools and user grants in Postgres.
type CouponStore struct {
	db *sql.DB
}

// NewCouponStore constructs a CouponStore backed by Postgres.
func NewCouponStore(db *sql.DB) *CouponStore {
	return &CouponStore{db: db}
}

// NewCouponStoreWithSchema initializes the schema then returns the store.
func NewCouponStoreWithSchema(ctx context.Context, db *sql.DB) (*CouponStore, error) {
	store := NewCouponStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the coupon tables if they do not exist.
func (s *CouponStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS coupon_pools (
			coupon_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			value BIGINT NOT NULL,
			remaining_qty INTEGER NOT NULL CHECK (remaining_qty >= 0),
			active BOOLEAN NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS coupon_grants (
			grant_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			coupon_id TEXT NOT NULL REFERENCES coupon_pools(coupon_id),
			status TEXT NOT NULL,
			used_at TIMESTAMPTZ,
			UNIQUE (user_id, coupon_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const (
	selectPool = `
	SELECT coupon_id, name, kind, value, remaining_qty, active
	FROM coupon_pools
	WHERE coupon_id = $1`
	selectGrant = `
	SELECT grant_id, user_id, coupon_id, status, used_at
	FROM coupon_grants
	WHERE user_id = $1 AND coupon_id = $2`
)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRedemption(ctx context.Context, q queryRower, userID, couponID, suffix string) (orders.CouponRedemption, error) {
	var r orders.CouponRedemption
	var kind string
	err := q.QueryRowContext(ctx, selectPool+suffix, couponID).
		Scan(&r.Pool.ID, &r.Pool.Name, &kind, &r.Pool.Value, &r.Pool.RemainingQty, &r.Pool.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: unknown coupon %s", orders.ErrCouponInvalid, couponID)
	}
	if err != nil {
		return r, err
	}
	r.Pool.Kind = orders.DiscountKind(kind)

	var usedAt sql.NullTime
	err = q.QueryRowContext(ctx, selectGrant+suffix, userID, couponID).
		Scan(&r.Grant.ID, &r.Grant.UserID, &r.Grant.CouponID, &r.Grant.Status, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: coupon %s not issued to %s", orders.ErrCouponInvalid, couponID, userID)
	}
	if err != nil {
		return r, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		r.Grant.UsedAt = &t
	}
	return r, nil
}

func (s *CouponStore) GetRedemption(ctx context.Context, userID, couponID string) (orders.CouponRedemption, error) {
	return loadRedemption(ctx, s.db, userID, couponID, "")
}

// UpdateRedemption locks the pool row then the grant row, applies fn and
// saves both. Pool first keeps the lock order identical across users.
func (s *CouponStore) UpdateRedemption(ctx context.Context, userID, couponID string, fn func(*orders.CouponRedemption) error) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := loadRedemption(ctx, tx, userID, couponID, ` FOR UPDATE`)
		if err != nil {
			return err
		}
		if err := fn(&r); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE coupon_pools
			SET remaining_qty = $2, active = $3, updated_at = NOW()
			WHERE coupon_id = $1`,
			couponID, r.Pool.RemainingQty, r.Pool.Active,
		); err != nil {
			return err
		}
		var usedAt sql.NullTime
		if r.Grant.UsedAt != nil {
			usedAt = sql.NullTime{Time: *r.Grant.UsedAt, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE coupon_grants
			SET status = $2, used_at = $3
			WHERE grant_id = $1`,
			r.Grant.ID, r.Grant.Status, usedAt,
		)
		return err
	})
}

// PutCoupon inserts or replaces a coupon pool.
func (s *CouponStore) PutCoupon(ctx context.Context, pool orders.CouponPool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupon_pools (coupon_id, name, kind, value, remaining_qty, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (coupon_id) DO UPDATE
		SET name = EXCLUDED.name, kind = EXCLUDED.kind, value = EXCLUDED.value,
			remaining_qty = EXCLUDED.remaining_qty, active = EXCLUDED.active, updated_at = NOW()`,
		pool.ID, pool.Name, string(pool.Kind), pool.Value, pool.RemainingQty, pool.Active,
	)
	return err
}

// IssueCoupon grants couponID to userID. Issuing twice is a no-op.
func (s *CouponStore) IssueCoupon(ctx context.Context, grantID, userID, couponID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupon_grants (grant_id, user_id, coupon_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, coupon_id) DO NOTHING`,
		grantID, userID, couponID, orders.GrantUnused,
	)
	return err
}
