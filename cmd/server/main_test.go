package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"storefront/cmd/server/config"
	"storefront/internal/dlq"
	"storefront/internal/orders"
	"storefront/internal/orders/saga"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"
)

func TestBuildBackendFallsBackToMemory(t *testing.T) {
	store, cleanup, err := buildBackend(context.Background(), config.DatabaseConfig{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	if store.recorder != nil {
		t.Fatalf("memory backend should have no dead-letter table")
	}
	if store.outbox == nil || store.repos.Journal == nil || store.catalog == nil {
		t.Fatalf("memory backend incomplete: %+v", store)
	}
}

func TestBuildBackendReturnsOpenError(t *testing.T) {
	orig := openOrdersDB
	t.Cleanup(func() { openOrdersDB = orig })
	openOrdersDB = func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" {
			t.Fatalf("unexpected driver %q", driver)
		}
		return nil, errors.New("dial failed")
	}

	_, _, err := buildBackend(context.Background(), config.DatabaseConfig{URL: "postgres://db/shop"}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected open error")
	}
}

func TestLoadSeedPopulatesCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	seed := `{
		"options": [{"product_id": "p1", "option_id": "o1", "product_name": "Mug", "price": 1000, "stock": 5}],
		"wallets": [{"user_id": "u1", "balance": 10000}],
		"coupons": [{"id": "c10", "name": "ten off", "kind": "percent", "value": 10, "remaining_qty": 1, "active": true}],
		"grants": [{"user_id": "u1", "coupon_id": "c10"}]
	}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	store := memoryBackend()
	ctx := context.Background()

	if err := loadSeed(ctx, path, store.catalog); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	opt, err := store.repos.Inventory.GetOption(ctx, "p1", "o1")
	if err != nil || opt.Stock != 5 || opt.Price != 1000 {
		t.Fatalf("unexpected option %+v err %v", opt, err)
	}
	wallet, err := store.repos.Wallets.GetWallet(ctx, "u1")
	if err != nil || wallet.Balance != 10000 {
		t.Fatalf("unexpected wallet %+v err %v", wallet, err)
	}
	redemption, err := store.repos.Coupons.GetRedemption(ctx, "u1", "c10")
	if err != nil {
		t.Fatalf("unexpected coupon error: %v", err)
	}
	if redemption.Grant.ID == "" || redemption.Grant.Status != orders.GrantUnused {
		t.Fatalf("unexpected grant %+v", redemption.Grant)
	}
}

func TestLoadSeedRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if err := loadSeed(context.Background(), path, memoryBackend().catalog); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := loadSeed(context.Background(), filepath.Join(t.TempDir(), "missing.json"), memoryBackend().catalog); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestBuildRecorderWritesDLQFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	t.Setenv("DLQ_FILE", path)

	recorder, cleanup, err := buildRecorder(memoryBackend(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := saga.FailedCompensation{
		ID:        "fc-1",
		SagaID:    "s-1",
		OrderID:   "o-1",
		StepName:  "deduct_balance",
		StepOrder: 2,
		Severity:  saga.SeverityCritical,
		Error:     "db down",
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := recorder.Record(context.Background(), rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	cleanup()

	recs, err := dlq.ReadFile(path)
	if err != nil {
		t.Fatalf("read dlq: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one dlq record, got %d", len(recs))
	}
	got := recs[0]
	if got.ID != "fc-1" || got.StepName != "deduct_balance" {
		t.Fatalf("unexpected dlq record %+v", got)
	}
}

func TestBuildRedisClientPings(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	client, err := buildRedisClient(context.Background(), config.RedisConfig{
		URL:                "redis://" + addr,
		HealthcheckTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	mr.Close()
	if _, err := buildRedisClient(context.Background(), config.RedisConfig{
		URL:                "redis://" + addr,
		HealthcheckTimeout: 200 * time.Millisecond,
	}); err == nil {
		t.Fatalf("expected ping error after server closed")
	}
}

func TestBuildRedisClientRejectsBadURL(t *testing.T) {
	if _, err := buildRedisClient(context.Background(), config.RedisConfig{URL: "://nope"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		logger, err := newLogger(env)
		if err != nil {
			t.Fatalf("newLogger(%q): %v", env, err)
		}
		_ = logger.Sync()
	}
}
