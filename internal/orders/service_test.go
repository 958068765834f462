package orders

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storefront/internal/lock"
	"storefront/internal/orders/saga"
	"storefront/internal/outbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *MemoryStore
	journal  *saga.MemoryStore
	dlq      *dlqSpy
	locker   *lock.MemoryLocker
	repos    Repositories
	service  *OrderService
	policy   lock.Policy
	failures *saga.FailureHandler
}

type dlqSpy struct {
	mu   sync.Mutex
	recs []saga.FailedCompensation
}

func (d *dlqSpy) Record(_ context.Context, rec saga.FailedCompensation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recs = append(d.recs, rec)
	return nil
}

func (d *dlqSpy) all() []saga.FailedCompensation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]saga.FailedCompensation(nil), d.recs...)
}

// newFixture seeds the reference catalogue: product p1/o1 at 1000 with stock
// 5, user u1 with balance 10000, and coupon c10 at 10% with one redemption
// left, issued to u1.
func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	store := NewMemoryStore(nil)
	store.PutOption(ProductOption{ProductID: "p1", OptionID: "o1", ProductName: "Tee", OptionName: "M", Price: 1000, Stock: 5})
	store.PutOption(ProductOption{ProductID: "p2", OptionID: "o1", ProductName: "Cap", OptionName: "One size", Price: 500, Stock: 1})
	store.PutWallet(Wallet{UserID: "u1", Balance: balance})
	store.PutCoupon(CouponPool{ID: "c10", Name: "Ten off", Kind: DiscountPercent, Value: 10, RemainingQty: 1, Active: true})
	store.IssueCoupon("g1", "u1", "c10")

	f := &fixture{
		store:   store,
		journal: saga.NewMemoryStore(),
		dlq:     &dlqSpy{},
		locker:  lock.NewMemoryLocker(),
		policy:  lock.Policy{Wait: time.Second, Lease: 5 * time.Second},
	}
	f.failures = saga.NewFailureHandler(f.dlq, nil, nil, saga.NoRetry)
	f.repos = Repositories{
		Inventory: store,
		Wallets:   store,
		Coupons:   store,
		Orders:    store,
		Events:    store,
		Journal:   f.journal,
	}
	f.build()
	return f
}

func (f *fixture) build() {
	f.service = NewOrderService(f.repos, ServiceOptions{
		Locker:     f.locker,
		LockPolicy: f.policy,
		Failures:   f.failures,
	})
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	opt, err := f.store.GetOption(context.Background(), productID, "o1")
	require.NoError(t, err)
	return opt.Stock
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) coupon(t *testing.T) CouponPool {
	t.Helper()
	pool, ok := f.store.Coupon("c10")
	require.True(t, ok)
	return pool
}

func couponRequest() PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:   "u1",
		Lines:    []LineRequest{{ProductID: "p1", OptionID: "o1", Quantity: 2}},
		CouponID: "c10",
	}
}

func TestPlaceOrder_CommitsWithCoupon(t *testing.T) {
	f := newFixture(t, 10000)

	order, err := f.service.PlaceOrder(context.Background(), couponRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(2000), order.Subtotal)
	assert.Equal(t, int64(200), order.Discount)
	assert.Equal(t, int64(1800), order.FinalAmount)
	assert.Equal(t, OrderStatusSuccess, order.Status)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, "Tee", order.Lines[0].ProductName)
	assert.Equal(t, int64(1000), order.Lines[0].UnitPrice)

	assert.Equal(t, 3, f.stock(t, "p1"))
	assert.Equal(t, int64(8200), f.balance(t, "u1"))
	pool := f.coupon(t)
	assert.Equal(t, 0, pool.RemainingQty)
	assert.False(t, pool.Active)

	stored, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusSuccess, stored.Status)
	assert.Len(t, f.store.Orders(), 1)

	events := f.store.Outbox().ByOrder(order.ID)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.TypeOrderCompleted, events[0].MessageType)
	assert.Equal(t, outbox.StatusPending, events[0].Status)
}

func TestPlaceOrder_InsufficientBalanceRestoresEverything(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.service.PlaceOrder(context.Background(), couponRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	var failed *FailedOrderError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, saga.StateCompensated, failed.State)
	assert.Equal(t, StepDeductBalance, failed.Step)
	assert.False(t, failed.NeedsReconciliation())

	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, int64(100), f.balance(t, "u1"))
	pool := f.coupon(t)
	assert.Equal(t, 1, pool.RemainingQty)
	assert.True(t, pool.Active)
	assert.Empty(t, f.store.Orders())
	assert.Empty(t, f.dlq.all())

	events := f.store.Outbox().ByOrder(failed.OrderID)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.TypeOrderFailed, events[0].MessageType)
}

type countingCoupons struct {
	CouponStore
	calls atomic.Int32
}

func (c *countingCoupons) GetRedemption(ctx context.Context, userID, couponID string) (CouponRedemption, error) {
	c.calls.Add(1)
	return c.CouponStore.GetRedemption(ctx, userID, couponID)
}

func (c *countingCoupons) UpdateRedemption(ctx context.Context, userID, couponID string, fn func(*CouponRedemption) error) error {
	c.calls.Add(1)
	return c.CouponStore.UpdateRedemption(ctx, userID, couponID, fn)
}

type failingOrders struct {
	OrderStore
	err error
}

func (f failingOrders) CreateOrder(context.Context, Order, ...outbox.Record) error {
	return f.err
}

func TestPlaceOrder_WithoutCouponNeverTouchesCoupons(t *testing.T) {
	f := newFixture(t, 10000)
	coupons := &countingCoupons{CouponStore: f.store}
	f.repos.Coupons = coupons
	f.repos.Orders = failingOrders{OrderStore: f.store, err: errors.New("disk full")}
	f.build()

	req := couponRequest()
	req.CouponID = ""
	_, err := f.service.PlaceOrder(context.Background(), req)
	require.Error(t, err)

	assert.Zero(t, coupons.calls.Load())
	assert.Equal(t, int64(10000), f.balance(t, "u1"))
}

func TestPlaceOrder_CompensatesInReverseOrder(t *testing.T) {
	f := newFixture(t, 10000)
	f.repos.Orders = failingOrders{OrderStore: f.store, err: errors.New("disk full")}
	f.build()

	_, err := f.service.PlaceOrder(context.Background(), couponRequest())
	var failed *FailedOrderError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, StepCreateOrder, failed.Step)

	record, ok := f.journal.Record(sagaIDFor(t, f, failed.OrderID))
	require.True(t, ok)
	assert.Equal(t, saga.StateCompensated, record.Status)

	var compensated []string
	for _, e := range f.journal.Journal(record.SagaID) {
		if e.Status == saga.StepCompensated {
			compensated = append(compensated, e.Step)
		}
	}
	assert.Equal(t, []string{StepUseCoupon, StepDeductBalance, StepDeductInventory}, compensated)

	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, int64(10000), f.balance(t, "u1"))
	assert.True(t, f.coupon(t).Active)
}

func sagaIDFor(t *testing.T, f *fixture, orderID string) string {
	t.Helper()
	var sagaID string
	f.journal.Each(func(r saga.SagaRecord) {
		if r.OrderID == orderID {
			sagaID = r.SagaID
		}
	})
	return sagaID
}

func TestPlaceOrder_PartialInventoryIsRestored(t *testing.T) {
	f := newFixture(t, 10000)

	_, err := f.service.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Lines: []LineRequest{
			{ProductID: "p1", OptionID: "o1", Quantity: 2},
			{ProductID: "p2", OptionID: "o1", Quantity: 3},
		},
	})
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, 1, f.stock(t, "p2"))
	assert.Equal(t, int64(10000), f.balance(t, "u1"))
}

type flakyWallets struct {
	WalletStore
	calls  atomic.Int32
	failOn int32
}

func (w *flakyWallets) UpdateWallet(ctx context.Context, userID string, fn func(*Wallet) error) error {
	if w.calls.Add(1) == w.failOn {
		return errors.New("connection reset")
	}
	return w.WalletStore.UpdateWallet(ctx, userID, fn)
}

func TestPlaceOrder_CriticalCompensationFailure(t *testing.T) {
	f := newFixture(t, 10000)
	f.repos.Orders = failingOrders{OrderStore: f.store, err: errors.New("disk full")}
	f.repos.Wallets = &flakyWallets{WalletStore: f.store, failOn: 2}
	f.build()

	_, err := f.service.PlaceOrder(context.Background(), couponRequest())
	var failed *FailedOrderError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, saga.StateCompensationFailed, failed.State)
	assert.True(t, failed.NeedsReconciliation())

	// the refund failed, the other compensations still ran
	assert.Equal(t, int64(8200), f.balance(t, "u1"))
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, 1, f.coupon(t).RemainingQty)

	recs := f.dlq.all()
	require.Len(t, recs, 1)
	assert.Equal(t, StepDeductBalance, recs[0].StepName)
	assert.Equal(t, saga.SeverityCritical, recs[0].Severity)

	var snapshot SagaContext
	require.NoError(t, json.Unmarshal(recs[0].Context, &snapshot))
	assert.True(t, snapshot.BalanceDeducted)
	assert.Equal(t, int64(1800), snapshot.DeductedAmount)

	events := f.store.Outbox().ByOrder(failed.OrderID)
	require.Len(t, events, 1)
	var ev OrderEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &ev))
	assert.True(t, ev.NeedsReconciliation)
	assert.Equal(t, StepCreateOrder, ev.FailedStep)
}

func TestPlaceOrder_LockTimeout(t *testing.T) {
	f := newFixture(t, 10000)
	f.policy = lock.Policy{Wait: 20 * time.Millisecond, Lease: time.Minute}
	f.build()

	held, err := f.locker.Acquire(context.Background(), lock.BalanceKey("u1"), time.Second, time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = f.service.PlaceOrder(context.Background(), couponRequest())
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, int64(10000), f.balance(t, "u1"))
}

func TestPlaceOrder_SameCouponConcurrently(t *testing.T) {
	f := newFixture(t, 10000)
	f.store.PutWallet(Wallet{UserID: "u2", Balance: 10000})
	f.store.IssueCoupon("g2", "u2", "c10")

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		errs      = make(chan error, 2)
	)
	for _, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			req := couponRequest()
			req.UserID = user
			req.Lines[0].Quantity = 1
			if _, err := f.service.PlaceOrder(context.Background(), req); err != nil {
				errs <- err
				return
			}
			successes.Add(1)
		}(user)
	}
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(1), successes.Load())
	var failures []error
	for err := range errs {
		failures = append(failures, err)
	}
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrCouponInvalid)

	assert.Equal(t, 4, f.stock(t, "p1"))
	assert.Equal(t, int64(19100), f.balance(t, "u1")+f.balance(t, "u2"))
	assert.Equal(t, 0, f.coupon(t).RemainingQty)
}

func TestPlaceOrder_RejectsInvalidRequests(t *testing.T) {
	cases := []struct {
		name string
		req  PlaceOrderRequest
		want error
	}{
		{"missing user", PlaceOrderRequest{Lines: []LineRequest{{ProductID: "p1", OptionID: "o1", Quantity: 1}}}, ErrInvalidRequest},
		{"no lines", PlaceOrderRequest{UserID: "u1"}, ErrInvalidRequest},
		{"zero quantity", PlaceOrderRequest{UserID: "u1", Lines: []LineRequest{{ProductID: "p1", OptionID: "o1"}}}, ErrInvalidRequest},
		{"unknown product", PlaceOrderRequest{UserID: "u1", Lines: []LineRequest{{ProductID: "nope", OptionID: "o1", Quantity: 1}}}, ErrProductNotFound},
		{"unknown wallet", PlaceOrderRequest{UserID: "ghost", Lines: []LineRequest{{ProductID: "p1", OptionID: "o1", Quantity: 1}}}, ErrWalletNotFound},
		{"coupon not issued", PlaceOrderRequest{UserID: "u1", CouponID: "other", Lines: []LineRequest{{ProductID: "p1", OptionID: "o1", Quantity: 1}}}, ErrCouponInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 10000)
			_, err := f.service.PlaceOrder(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 5, f.stock(t, "p1"))
			assert.Equal(t, int64(10000), f.balance(t, "u1"))
		})
	}
}

func TestPlaceOrder_AlreadyUsedCoupon(t *testing.T) {
	f := newFixture(t, 10000)
	f.store.PutCoupon(CouponPool{ID: "c10", Kind: DiscountPercent, Value: 10, RemainingQty: 5, Active: true})
	_, err := f.service.PlaceOrder(context.Background(), couponRequest())
	require.NoError(t, err)

	_, err = f.service.PlaceOrder(context.Background(), couponRequest())
	assert.ErrorIs(t, err, ErrCouponAlreadyUsed)
	assert.Equal(t, 4, f.coupon(t).RemainingQty)
}

func TestPlaceOrder_IdempotencyKey(t *testing.T) {
	f := newFixture(t, 10000)
	req := couponRequest()
	req.IdempotencyKey = "req-1"

	first, err := f.service.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	_, err = f.service.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrDuplicateRequest)
	assert.NotErrorIs(t, err, ErrCouponAlreadyUsed)
	var dup *DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.OrderID)
	assert.Equal(t, saga.StateCommitted, dup.State)
	assert.Len(t, f.store.Orders(), 1)
	assert.Equal(t, 0, f.coupon(t).RemainingQty)

	req.Lines[0].Quantity = 1
	req.CouponID = ""
	_, err = f.service.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestPlaceOrder_IdempotencyKeyIgnoresLineOrder(t *testing.T) {
	f := newFixture(t, 10000)
	req := PlaceOrderRequest{
		UserID: "u1",
		Lines: []LineRequest{
			{ProductID: "p1", OptionID: "o1", Quantity: 1},
			{ProductID: "p2", OptionID: "o1", Quantity: 1},
		},
		IdempotencyKey: "req-order",
	}
	_, err := f.service.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	req.Lines[0], req.Lines[1] = req.Lines[1], req.Lines[0]
	_, err = f.service.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestPlaceOrder_ResubmitAfterLockTimeout(t *testing.T) {
	f := newFixture(t, 10000)
	f.policy = lock.Policy{Wait: 20 * time.Millisecond, Lease: time.Minute}
	f.build()
	req := couponRequest()
	req.IdempotencyKey = "req-retry"

	held, err := f.locker.Acquire(context.Background(), lock.BalanceKey("u1"), time.Second, time.Minute)
	require.NoError(t, err)

	_, err = f.service.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrLockTimeout)
	var failed *FailedOrderError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, saga.StateCompensated, failed.State)

	require.NoError(t, held.Release(context.Background()))

	order, err := f.service.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, failed.OrderID, order.ID)
	assert.Equal(t, 3, f.stock(t, "p1"))
	assert.Equal(t, int64(8200), f.balance(t, "u1"))

	_, err = f.service.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestPlaceOrder_ResubmitAfterRejectedPricing(t *testing.T) {
	f := newFixture(t, 10000)
	req := PlaceOrderRequest{
		UserID:         "u1",
		Lines:          []LineRequest{{ProductID: "p3", OptionID: "o1", Quantity: 1}},
		IdempotencyKey: "req-late-stock",
	}

	_, err := f.service.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrProductNotFound)

	var rejected int
	f.journal.Each(func(r saga.SagaRecord) {
		if r.Status == saga.StateCompensated {
			rejected++
		}
	})
	assert.Equal(t, 1, rejected)

	f.store.PutOption(ProductOption{ProductID: "p3", OptionID: "o1", ProductName: "Mug", OptionName: "White", Price: 700, Stock: 2})
	order, err := f.service.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(700), order.FinalAmount)
}

func TestPlaceOrder_MergesDuplicateLines(t *testing.T) {
	f := newFixture(t, 10000)
	order, err := f.service.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Lines: []LineRequest{
			{ProductID: "p1", OptionID: "o1", Quantity: 1},
			{ProductID: "p1", OptionID: "o1", Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, 3, order.Lines[0].Quantity)
	assert.Equal(t, 2, f.stock(t, "p1"))
}
