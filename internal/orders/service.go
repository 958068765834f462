package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"storefront/internal/lock"
	"storefront/internal/orders/saga"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LineRequest asks for quantity units of one product option.
type LineRequest struct {
	ProductID string `json:"product_id"`
	OptionID  string `json:"option_id"`
	Quantity  int    `json:"quantity"`
}

// PlaceOrderRequest is the input of one saga run.
type PlaceOrderRequest struct {
	UserID   string        `json:"user_id"`
	Lines    []LineRequest `json:"lines"`
	CouponID string        `json:"coupon_id,omitempty"`
	// IdempotencyKey deduplicates resubmissions; empty disables it.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Repositories groups the persistence collaborators of OrderService.
type Repositories struct {
	Inventory InventoryStore
	Wallets   WalletStore
	Coupons   CouponStore
	Orders    OrderStore
	Events    EventQueue
	Journal   saga.SagaStore
}

// ServiceOptions configures OrderService.
type ServiceOptions struct {
	Locker     lock.Locker
	LockPolicy lock.Policy
	Failures   *saga.FailureHandler
	Observer   saga.Observer
	Logger     *zap.Logger
}

// OrderService validates and prices requests, then runs the order saga.
type OrderService struct {
	repos  Repositories
	saga   *saga.Orchestrator[*SagaContext]
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

// NewOrderService wires the four order steps into an orchestrator.
func NewOrderService(repos Repositories, opts ServiceOptions) *OrderService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	steps := []saga.Step[*SagaContext]{
		NewDeductInventoryStep(repos.Inventory, locker, opts.LockPolicy),
		NewDeductBalanceStep(repos.Wallets, locker, opts.LockPolicy),
		NewUseCouponStep(repos.Coupons, locker, opts.LockPolicy),
		NewCreateOrderStep(repos.Orders),
	}
	return &OrderService{
		repos: repos,
		saga: saga.NewOrchestrator(steps, opts.Failures, saga.Options{
			Journal:  repos.Journal,
			Observer: opts.Observer,
			Logger:   logger,
		}),
		logger: logger.Named("orders"),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// PlaceOrder runs the saga for req and returns the committed order. Failures
// are returned as typed errors; a request that did not commit is never
// reported as success.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error) {
	lines, err := normalizeLines(req)
	if err != nil {
		return Order{}, err
	}

	sc := &SagaContext{
		SagaID:   s.newID(),
		OrderID:  s.newID(),
		UserID:   req.UserID,
		CouponID: strings.TrimSpace(req.CouponID),
	}
	if err := s.startJournal(ctx, req.IdempotencyKey, sc, requestFingerprint(sc, lines)); err != nil {
		return Order{}, err
	}

	if err := s.price(ctx, sc, lines); err != nil {
		s.releaseJournal(ctx, sc, err)
		return Order{}, err
	}

	res := s.saga.Run(ctx, saga.RunInfo{SagaID: sc.SagaID, OrderID: sc.OrderID, UserID: sc.UserID}, sc)
	if res.State == saga.StateCommitted {
		s.logger.Info("order committed",
			zap.String("order_id", sc.OrderID),
			zap.String("user_id", sc.UserID),
			zap.Int64("final_amount", sc.FinalAmount),
		)
		return *sc.Order, nil
	}

	s.enqueueFailure(ctx, sc, res)
	return Order{}, &FailedOrderError{
		OrderID: sc.OrderID,
		State:   res.State,
		Step:    res.FailedStep,
		Err:     res.Err,
	}
}

// GetOrder returns a stored order.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return s.repos.Orders.GetOrder(ctx, orderID)
}

func normalizeLines(req PlaceOrderRequest) ([]LineRequest, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", ErrInvalidRequest)
	}
	merged := make([]LineRequest, 0, len(req.Lines))
	index := make(map[string]int, len(req.Lines))
	for _, l := range req.Lines {
		if l.ProductID == "" || l.OptionID == "" {
			return nil, fmt.Errorf("%w: product and option required", ErrInvalidRequest)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity %d for %s/%s", ErrInvalidRequest, l.Quantity, l.ProductID, l.OptionID)
		}
		key := lock.InventoryKey(l.ProductID, l.OptionID)
		if i, ok := index[key]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// price resolves lines against the catalogue and applies the coupon. Stock,
// balance and coupon state are only pre-checked here; the steps enforce them.
func (s *OrderService) price(ctx context.Context, sc *SagaContext, lines []LineRequest) error {
	for _, l := range lines {
		opt, err := s.repos.Inventory.GetOption(ctx, l.ProductID, l.OptionID)
		if err != nil {
			return err
		}
		sc.Lines = append(sc.Lines, PricedLine{
			ProductID:   opt.ProductID,
			OptionID:    opt.OptionID,
			ProductName: opt.ProductName,
			OptionName:  opt.OptionName,
			UnitPrice:   opt.Price,
			Quantity:    l.Quantity,
		})
		sc.Subtotal += opt.Price * int64(l.Quantity)
	}

	if _, err := s.repos.Wallets.GetWallet(ctx, sc.UserID); err != nil {
		return err
	}

	if sc.HasCoupon() {
		redemption, err := s.repos.Coupons.GetRedemption(ctx, sc.UserID, sc.CouponID)
		if err != nil {
			return err
		}
		if err := redemption.Check(); err != nil {
			return err
		}
		sc.Discount = redemption.Pool.Discount(sc.Subtotal)
	}
	sc.FinalAmount = sc.Subtotal - sc.Discount
	return nil
}

// requestFingerprint hashes the normalized request so a replayed key can be
// matched without touching the catalogue or the coupon state.
func requestFingerprint(sc *SagaContext, lines []LineRequest) string {
	keys := make([]string, 0, len(lines))
	for _, l := range lines {
		keys = append(keys, lock.InventoryKey(l.ProductID, l.OptionID)+"="+strconv.Itoa(l.Quantity))
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(sc.UserID))
	h.Write([]byte{0})
	h.Write([]byte(sc.CouponID))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// startJournal claims the idempotency key before pricing. A replayed key
// returns the earlier order without re-running the pre-checks.
func (s *OrderService) startJournal(ctx context.Context, key string, sc *SagaContext, requestHash string) error {
	if s.repos.Journal == nil {
		return nil
	}
	if key == "" {
		key = sc.SagaID
	}
	record, created, err := s.repos.Journal.Start(ctx, key, sc.SagaID, sc.OrderID, sc.UserID, requestHash)
	if err != nil {
		if errors.Is(err, saga.ErrIdempotencyConflict) {
			return err
		}
		return fmt.Errorf("start saga journal: %w", err)
	}
	if !created {
		return &DuplicateRequestError{OrderID: record.OrderID, State: record.Status}
	}
	return nil
}

// releaseJournal closes a run rejected before any step applied. Nothing needs
// undoing, so it is recorded as compensated and the key accepts a resubmit.
func (s *OrderService) releaseJournal(ctx context.Context, sc *SagaContext, cause error) {
	if s.repos.Journal == nil {
		return
	}
	if err := s.repos.Journal.UpdateStatus(context.WithoutCancel(ctx), sc.SagaID, saga.StateCompensated); err != nil {
		s.logger.Warn("release saga journal",
			zap.String("saga_id", sc.SagaID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

func (s *OrderService) enqueueFailure(ctx context.Context, sc *SagaContext, res saga.Result) {
	fields := []zap.Field{
		zap.String("order_id", sc.OrderID),
		zap.String("saga_id", sc.SagaID),
		zap.String("state", string(res.State)),
		zap.String("failed_step", res.FailedStep),
		zap.Error(res.Err),
	}
	if res.State == saga.StateCompensationFailed {
		s.logger.Error("order failed with unresolved compensation", fields...)
	} else {
		s.logger.Info("order failed", fields...)
	}

	if s.repos.Events == nil {
		return
	}
	rec, err := failedEvent(sc, res, s.now())
	if err == nil {
		err = s.repos.Events.Enqueue(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		s.logger.Warn("enqueue order.failed", append(fields[:2:2], zap.NamedError("enqueue_error", err))...)
	}
}
