package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/orders"
)

// WalletStore persists wallets in Postgres.
type WalletStore struct {
	db *sql.DB
}

// NewWalletStore constructs a WalletStore backed by Postgres.
func NewWalletStore(db *sql.DB) *WalletStore {
	return &WalletStore{db: db}
}

// NewWalletStoreWithSchema initializes the schema then returns the store.
func NewWalletStoreWithSchema(ctx context.Context, db *sql.DB) (*WalletStore, error) {
	store := NewWalletStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the wallets table if it does not exist.
func (s *WalletStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

const selectWallet = `SELECT user_id, balance FROM wallets WHERE user_id = $1`

func scanWallet(row *sql.Row, userID string) (orders.Wallet, error) {
	var w orders.Wallet
	err := row.Scan(&w.UserID, &w.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Wallet{}, fmt.Errorf("%w: %s", orders.ErrWalletNotFound, userID)
	}
	return w, err
}

func (s *WalletStore) GetWallet(ctx context.Context, userID string) (orders.Wallet, error) {
	return scanWallet(s.db.QueryRowContext(ctx, selectWallet, userID), userID)
}

// UpdateWallet loads the wallet FOR UPDATE, applies fn and saves the balance.
func (s *WalletStore) UpdateWallet(ctx context.Context, userID string, fn func(*orders.Wallet) error) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		w, err := scanWallet(tx.QueryRowContext(ctx, selectWallet+` FOR UPDATE`, userID), userID)
		if err != nil {
			return err
		}
		if err := fn(&w); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets
			SET balance = $2, updated_at = NOW()
			WHERE user_id = $1`,
			userID, w.Balance,
		)
		return err
	})
}

// PutWallet inserts or replaces a wallet.
func (s *WalletStore) PutWallet(ctx context.Context, w orders.Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`,
		w.UserID, w.Balance,
	)
	return err
}
