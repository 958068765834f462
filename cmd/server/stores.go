package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"storefront/cmd/server/config"
	ordersdb "storefront/internal/db/orders"
	"storefront/internal/orders"
	"storefront/internal/orders/saga"
	"storefront/internal/outbox"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var openOrdersDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// catalog seeds the aggregates an order reads.
type catalog interface {
	PutOption(ctx context.Context, opt orders.ProductOption) error
	PutWallet(ctx context.Context, w orders.Wallet) error
	PutCoupon(ctx context.Context, pool orders.CouponPool) error
	IssueCoupon(ctx context.Context, grantID, userID, couponID string) error
}

type backend struct {
	repos    orders.Repositories
	outbox   outbox.Store
	recorder saga.Recorder
	catalog  catalog
}

func buildBackend(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (backend, func(), error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		return memoryBackend(), func() {}, nil
	}

	db, err := openOrdersDB("pgx", cfg.URL)
	if err != nil {
		return backend{}, nil, err
	}
	if cfg.MaxOpenConns != nil {
		db.SetMaxOpenConns(*cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime != nil {
		db.SetConnMaxLifetime(*cfg.ConnMaxLifetime)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn("close orders db", zap.Error(err))
		}
	}

	b, err := postgresBackend(ctx, db)
	if err != nil {
		cleanup()
		return backend{}, nil, err
	}
	return b, cleanup, nil
}

func memoryBackend() backend {
	events := outbox.NewMemoryStore()
	store := orders.NewMemoryStore(events)
	return backend{
		repos: orders.Repositories{
			Inventory: store,
			Wallets:   store,
			Coupons:   store,
			Orders:    store,
			Events:    store,
			Journal:   saga.NewMemoryStore(),
		},
		outbox:  events,
		catalog: memoryCatalog{store: store},
	}
}

func postgresBackend(ctx context.Context, db *sql.DB) (backend, error) {
	inventory, err := ordersdb.NewInventoryStoreWithSchema(ctx, db)
	if err != nil {
		return backend{}, fmt.Errorf("inventory schema: %w", err)
	}
	wallets, err := ordersdb.NewWalletStoreWithSchema(ctx, db)
	if err != nil {
		return backend{}, fmt.Errorf("wallet schema: %w", err)
	}
	coupons, err := ordersdb.NewCouponStoreWithSchema(ctx, db)
	if err != nil {
		return backend{}, fmt.Errorf("coupon schema: %w", err)
	}
	events, err := ordersdb.NewOutboxStoreWithSchema(ctx, db)
	if err != nil {
		return backend{}, fmt.Errorf("outbox schema: %w", err)
	}
	orderStore, err := ordersdb.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		return backend{}, fmt.Errorf("order schema: %w", err)
	}
	journal, err := ordersdb.NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		return backend{}, fmt.Errorf("saga schema: %w", err)
	}
	failed, err := ordersdb.NewFailedCompensationStoreWithSchema(ctx, db)
	if err != nil {
		return backend{}, fmt.Errorf("failed compensation schema: %w", err)
	}
	return backend{
		repos: orders.Repositories{
			Inventory: inventory,
			Wallets:   wallets,
			Coupons:   coupons,
			Orders:    orderStore,
			Events:    events,
			Journal:   journal,
		},
		outbox:   events,
		recorder: failed,
		catalog:  postgresCatalog{inventory: inventory, wallets: wallets, coupons: coupons},
	}, nil
}

type memoryCatalog struct {
	store *orders.MemoryStore
}

func (c memoryCatalog) PutOption(_ context.Context, opt orders.ProductOption) error {
	c.store.PutOption(opt)
	return nil
}

func (c memoryCatalog) PutWallet(_ context.Context, w orders.Wallet) error {
	c.store.PutWallet(w)
	return nil
}

func (c memoryCatalog) PutCoupon(_ context.Context, pool orders.CouponPool) error {
	c.store.PutCoupon(pool)
	return nil
}

func (c memoryCatalog) IssueCoupon(_ context.Context, grantID, userID, couponID string) error {
	c.store.IssueCoupon(grantID, userID, couponID)
	return nil
}

type postgresCatalog struct {
	inventory *ordersdb.InventoryStore
	wallets   *ordersdb.WalletStore
	coupons   *ordersdb.CouponStore
}

func (c postgresCatalog) PutOption(ctx context.Context, opt orders.ProductOption) error {
	return c.inventory.PutOption(ctx, opt)
}

func (c postgresCatalog) PutWallet(ctx context.Context, w orders.Wallet) error {
	return c.wallets.PutWallet(ctx, w)
}

func (c postgresCatalog) PutCoupon(ctx context.Context, pool orders.CouponPool) error {
	return c.coupons.PutCoupon(ctx, pool)
}

func (c postgresCatalog) IssueCoupon(ctx context.Context, grantID, userID, couponID string) error {
	return c.coupons.IssueCoupon(ctx, grantID, userID, couponID)
}

// seedData is the SEED_FILE layout.
type seedData struct {
	Options []orders.ProductOption `json:"options"`
	Wallets []orders.Wallet        `json:"wallets"`
	Coupons []orders.CouponPool    `json:"coupons"`
	Grants  []struct {
		ID       string `json:"id"`
		UserID   string `json:"user_id"`
		CouponID string `json:"coupon_id"`
	} `json:"grants"`
}

func loadSeed(ctx context.Context, path string, c catalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var data seedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, opt := range data.Options {
		if err := c.PutOption(ctx, opt); err != nil {
			return fmt.Errorf("seed option %s/%s: %w", opt.ProductID, opt.OptionID, err)
		}
	}
	for _, w := range data.Wallets {
		if err := c.PutWallet(ctx, w); err != nil {
			return fmt.Errorf("seed wallet %s: %w", w.UserID, err)
		}
	}
	for _, pool := range data.Coupons {
		if err := c.PutCoupon(ctx, pool); err != nil {
			return fmt.Errorf("seed coupon %s: %w", pool.ID, err)
		}
	}
	for _, g := range data.Grants {
		id := g.ID
		if id == "" {
			id = uuid.NewString()
		}
		if err := c.IssueCoupon(ctx, id, g.UserID, g.CouponID); err != nil {
			return fmt.Errorf("seed grant %s/%s: %w", g.UserID, g.CouponID, err)
		}
	}
	return nil
}
