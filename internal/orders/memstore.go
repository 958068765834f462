package orders

import (
	"context"
	"fmt"
	"sync"

	"storefront/internal/outbox"
)

// MemoryStore keeps every order aggregate in memory behind one mutex, which
// stands in for the row locks and transactions of the SQL stores. Events are
// written to the outbox inside the same critical section.
type MemoryStore struct {
	mu      sync.Mutex
	options map[string]ProductOption
	wallets map[string]Wallet
	pools   map[string]CouponPool
	grants  map[string]CouponGrant
	orders  map[string]Order
	outbox  *outbox.MemoryStore
}

// NewMemoryStore constructs an empty store writing events to events.
func NewMemoryStore(events *outbox.MemoryStore) *MemoryStore {
	if events == nil {
		events = outbox.NewMemoryStore()
	}
	return &MemoryStore{
		options: make(map[string]ProductOption),
		wallets: make(map[string]Wallet),
		pools:   make(map[string]CouponPool),
		grants:  make(map[string]CouponGrant),
		orders:  make(map[string]Order),
		outbox:  events,
	}
}

// Outbox returns the event store the orders are written with.
func (m *MemoryStore) Outbox() *outbox.MemoryStore {
	return m.outbox
}

func optionKey(productID, optionID string) string {
	return productID + "/" + optionID
}

func grantKey(userID, couponID string) string {
	return userID + "/" + couponID
}

// PutOption seeds or replaces a product option.
func (m *MemoryStore) PutOption(opt ProductOption) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options[optionKey(opt.ProductID, opt.OptionID)] = opt
}

// PutWallet seeds or replaces a wallet.
func (m *MemoryStore) PutWallet(w Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.UserID] = w
}

// PutCoupon seeds or replaces a coupon pool.
func (m *MemoryStore) PutCoupon(pool CouponPool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[pool.ID] = pool
}

// IssueCoupon grants couponID to userID.
func (m *MemoryStore) IssueCoupon(grantID, userID, couponID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grantKey(userID, couponID)] = CouponGrant{
		ID:       grantID,
		UserID:   userID,
		CouponID: couponID,
		Status:   GrantUnused,
	}
}

func (m *MemoryStore) GetOption(_ context.Context, productID, optionID string) (ProductOption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opt, ok := m.options[optionKey(productID, optionID)]
	if !ok {
		return ProductOption{}, fmt.Errorf("%w: %s/%s", ErrProductNotFound, productID, optionID)
	}
	return opt, nil
}

func (m *MemoryStore) UpdateOption(_ context.Context, productID, optionID string, fn func(*ProductOption) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := optionKey(productID, optionID)
	opt, ok := m.options[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrProductNotFound, productID, optionID)
	}
	if err := fn(&opt); err != nil {
		return err
	}
	m.options[key] = opt
	return nil
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	return w, nil
}

func (m *MemoryStore) UpdateWallet(_ context.Context, userID string, fn func(*Wallet) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	if err := fn(&w); err != nil {
		return err
	}
	m.wallets[userID] = w
	return nil
}

// Coupon returns the pool with couponID.
func (m *MemoryStore) Coupon(couponID string) (CouponPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[couponID]
	return pool, ok
}

func (m *MemoryStore) GetRedemption(_ context.Context, userID, couponID string) (CouponRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redemption(userID, couponID)
}

func (m *MemoryStore) redemption(userID, couponID string) (CouponRedemption, error) {
	pool, ok := m.pools[couponID]
	if !ok {
		return CouponRedemption{}, fmt.Errorf("%w: unknown coupon %s", ErrCouponInvalid, couponID)
	}
	grant, ok := m.grants[grantKey(userID, couponID)]
	if !ok {
		return CouponRedemption{}, fmt.Errorf("%w: coupon %s not issued to %s", ErrCouponInvalid, couponID, userID)
	}
	return CouponRedemption{Pool: pool, Grant: grant}, nil
}

func (m *MemoryStore) UpdateRedemption(_ context.Context, userID, couponID string, fn func(*CouponRedemption) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.redemption(userID, couponID)
	if err != nil {
		return err
	}
	if err := fn(&r); err != nil {
		return err
	}
	m.pools[couponID] = r.Pool
	m.grants[grantKey(userID, couponID)] = r.Grant
	return nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order Order, events ...outbox.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	order.Lines = append([]OrderLine(nil), order.Lines...)
	m.orders[order.ID] = order
	m.outbox.EnqueueLocked(events)
	return nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, orderID string, fn func(*Order) error, events ...outbox.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err := fn(&order); err != nil {
		return err
	}
	m.orders[orderID] = order
	m.outbox.EnqueueLocked(events)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// Orders returns every stored order.
func (m *MemoryStore) Orders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

func (m *MemoryStore) Enqueue(ctx context.Context, rec outbox.Record) error {
	return m.outbox.Enqueue(ctx, rec)
}
