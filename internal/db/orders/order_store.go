package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/orders"
	"storefront/internal/outbox"
)

// OrderStore persists orders, their lines and their outbox events in one
// transaction per write.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the order tables if they do not exist. The outbox table
// is created by OutboxStore.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			coupon_id TEXT,
			subtotal BIGINT NOT NULL,
			discount BIGINT NOT NULL,
			final_amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			cancelled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS order_lines (
			order_id TEXT NOT NULL REFERENCES orders(order_id),
			line_no INTEGER NOT NULL,
			product_id TEXT NOT NULL,
			option_id TEXT NOT NULL,
			product_name TEXT NOT NULL,
			option_name TEXT NOT NULL,
			unit_price BIGINT NOT NULL,
			quantity INTEGER NOT NULL,
			line_total BIGINT NOT NULL,
			PRIMARY KEY (order_id, line_no)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *OrderStore) CreateOrder(ctx context.Context, order orders.Order, events ...outbox.Record) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, user_id, coupon_id, subtotal, discount, final_amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			order.ID, order.UserID, nullString(order.CouponID), order.Subtotal, order.Discount,
			order.FinalAmount, order.Status, order.CreatedAt,
		); err != nil {
			return err
		}
		for i, l := range order.Lines {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_lines (order_id, line_no, product_id, option_id, product_name, option_name, unit_price, quantity, line_total)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				order.ID, i+1, l.ProductID, l.OptionID, l.ProductName, l.OptionName, l.UnitPrice, l.Quantity, l.LineTotal,
			); err != nil {
				return err
			}
		}
		return insertEvents(ctx, tx, events)
	})
}

// UpdateOrder loads the order FOR UPDATE, applies fn, saves the status and
// enqueues events, all in one transaction.
func (s *OrderStore) UpdateOrder(ctx context.Context, orderID string, fn func(*orders.Order) error, events ...outbox.Record) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		order, err := loadOrderHeader(ctx, tx, orderID, ` FOR UPDATE`)
		if err != nil {
			return err
		}
		if err := fn(&order); err != nil {
			return err
		}
		var cancelledAt sql.NullTime
		if order.CancelledAt != nil {
			cancelledAt = sql.NullTime{Time: *order.CancelledAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $2, cancelled_at = $3
			WHERE order_id = $1`,
			orderID, order.Status, cancelledAt,
		); err != nil {
			return err
		}
		return insertEvents(ctx, tx, events)
	})
}

func (s *OrderStore) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	order, err := loadOrderHeader(ctx, s.db, orderID, "")
	if err != nil {
		return orders.Order{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, option_id, product_name, option_name, unit_price, quantity, line_total
		FROM order_lines
		WHERE order_id = $1
		ORDER BY line_no`,
		orderID,
	)
	if err != nil {
		return orders.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l orders.OrderLine
		if err := rows.Scan(&l.ProductID, &l.OptionID, &l.ProductName, &l.OptionName, &l.UnitPrice, &l.Quantity, &l.LineTotal); err != nil {
			return orders.Order{}, err
		}
		order.Lines = append(order.Lines, l)
	}
	return order, rows.Err()
}

func loadOrderHeader(ctx context.Context, q queryRower, orderID, suffix string) (orders.Order, error) {
	var (
		order       orders.Order
		couponID    sql.NullString
		cancelledAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT order_id, user_id, coupon_id, subtotal, discount, final_amount, status, created_at, cancelled_at
		FROM orders
		WHERE order_id = $1`+suffix,
		orderID,
	).Scan(&order.ID, &order.UserID, &couponID, &order.Subtotal, &order.Discount, &order.FinalAmount,
		&order.Status, &order.CreatedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return orders.Order{}, err
	}
	order.CouponID = couponID.String
	if cancelledAt.Valid {
		t := cancelledAt.Time
		order.CancelledAt = &t
	}
	return order, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []outbox.Record) error {
	for _, rec := range events {
		if err := insertOutbox(ctx, tx, rec); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
