package orders

import (
	"context"

	"storefront/internal/outbox"
)

// Each Update method loads the aggregate with an exclusive row lock, applies
// fn to it, and saves the result in one storage transaction. An error from fn
// rolls the transaction back. There is no other mutation path.

// InventoryStore persists product options.
type InventoryStore interface {
	GetOption(ctx context.Context, productID, optionID string) (ProductOption, error)
	UpdateOption(ctx context.Context, productID, optionID string, fn func(*ProductOption) error) error
}

// WalletStore persists wallets.
type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	UpdateWallet(ctx context.Context, userID string, fn func(*Wallet) error) error
}

// CouponStore persists coupon pools and the grants issued from them.
type CouponStore interface {
	GetRedemption(ctx context.Context, userID, couponID string) (CouponRedemption, error)
	UpdateRedemption(ctx context.Context, userID, couponID string, fn func(*CouponRedemption) error) error
}

// OrderStore persists orders. Events are enqueued in the same transaction as
// the order write.
type OrderStore interface {
	CreateOrder(ctx context.Context, order Order, events ...outbox.Record) error
	UpdateOrder(ctx context.Context, orderID string, fn func(*Order) error, events ...outbox.Record) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
}

// EventQueue accepts outbox records produced outside a step transaction.
type EventQueue interface {
	Enqueue(ctx context.Context, rec outbox.Record) error
}
