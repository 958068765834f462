package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/orders"
)

// InventoryStore persists product options in Postgres.
type InventoryStore struct {
	db *sql.DB
}

// NewInventoryStore constructs an InventoryStore backed by Postgres.
func NewInventoryStore(db *sql.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

// NewInventoryStoreWithSchema initializes the schema then returns the store.
func NewInventoryStoreWithSchema(ctx context.Context, db *sql.DB) (*InventoryStore, error) {
	store := NewInventoryStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the product_options table if it does not exist.
func (s *InventoryStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS product_options (
			product_id TEXT NOT NULL,
			option_id TEXT NOT NULL,
			product_name TEXT NOT NULL,
			option_name TEXT NOT NULL,
			price BIGINT NOT NULL,
			stock INTEGER NOT NULL CHECK (stock >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (product_id, option_id)
		)
	`)
	return err
}

const selectOption = `
	SELECT product_id, option_id, product_name, option_name, price, stock
	FROM product_options
	WHERE product_id = $1 AND option_id = $2`

func scanOption(row *sql.Row, productID, optionID string) (orders.ProductOption, error) {
	var opt orders.ProductOption
	err := row.Scan(&opt.ProductID, &opt.OptionID, &opt.ProductName, &opt.OptionName, &opt.Price, &opt.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.ProductOption{}, fmt.Errorf("%w: %s/%s", orders.ErrProductNotFound, productID, optionID)
	}
	return opt, err
}

func (s *InventoryStore) GetOption(ctx context.Context, productID, optionID string) (orders.ProductOption, error) {
	return scanOption(s.db.QueryRowContext(ctx, selectOption, productID, optionID), productID, optionID)
}

// UpdateOption loads the option FOR UPDATE, applies fn and saves the stock.
func (s *InventoryStore) UpdateOption(ctx context.Context, productID, optionID string, fn func(*orders.ProductOption) error) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		opt, err := scanOption(tx.QueryRowContext(ctx, selectOption+` FOR UPDATE`, productID, optionID), productID, optionID)
		if err != nil {
			return err
		}
		if err := fn(&opt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE product_options
			SET stock = $3, updated_at = NOW()
			WHERE product_id = $1 AND option_id = $2`,
			productID, optionID, opt.Stock,
		)
		return err
	})
}

// PutOption inserts or replaces a product option.
func (s *InventoryStore) PutOption(ctx context.Context, opt orders.ProductOption) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_options (product_id, option_id, product_name, option_name, price, stock)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id, option_id) DO UPDATE
		SET product_name = EXCLUDED.product_name, option_name = EXCLUDED.option_name,
			price = EXCLUDED.price, stock = EXCLUDED.stock, updated_at = NOW()`,
		opt.ProductID, opt.OptionID, opt.ProductName, opt.OptionName, opt.Price, opt.Stock,
	)
	return err
}
