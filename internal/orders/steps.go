package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/lock"
	"storefront/internal/orders/saga"
)

// Step names as they appear in the journal and dead-letter records.
const (
	StepDeductInventory = "deduct_inventory"
	StepDeductBalance   = "deduct_balance"
	StepUseCoupon       = "use_coupon"
	StepCreateOrder     = "create_order"
)

type lockScope struct {
	locker lock.Locker
	policy lock.Policy
}

func (l lockScope) with(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return lock.WithLock(ctx, l.locker, key, l.policy, fn)
}

// DeductInventoryStep takes stock for every line, one lock per option.
type DeductInventoryStep struct {
	store InventoryStore
	locks lockScope
}

func NewDeductInventoryStep(store InventoryStore, locker lock.Locker, policy lock.Policy) *DeductInventoryStep {
	return &DeductInventoryStep{store: store, locks: lockScope{locker, policy}}
}

func (s *DeductInventoryStep) Name() string { return StepDeductInventory }
func (s *DeductInventoryStep) Order() int   { return 1 }

func (s *DeductInventoryStep) Applied(c *SagaContext) bool { return c.InventoryDeducted }

// Execute records each line as soon as its stock is taken, so a failure
// part-way through still compensates the lines already deducted.
func (s *DeductInventoryStep) Execute(ctx context.Context, c *SagaContext) error {
	for _, line := range c.Lines {
		line := line
		err := s.locks.with(ctx, lock.InventoryKey(line.ProductID, line.OptionID), func(ctx context.Context) error {
			return s.store.UpdateOption(ctx, line.ProductID, line.OptionID, func(p *ProductOption) error {
				return p.Deduct(line.Quantity)
			})
		})
		if err != nil {
			return err
		}
		c.DeductedLines = append(c.DeductedLines, DeductedLine{
			ProductID: line.ProductID,
			OptionID:  line.OptionID,
			Quantity:  line.Quantity,
		})
		c.InventoryDeducted = true
	}
	return nil
}

// Compensate restocks recorded lines in reverse. Lines that could not be
// restocked stay recorded.
func (s *DeductInventoryStep) Compensate(ctx context.Context, c *SagaContext) error {
	if !c.InventoryDeducted {
		return nil
	}
	var (
		errs    []error
		pending []DeductedLine
	)
	for i := len(c.DeductedLines) - 1; i >= 0; i-- {
		line := c.DeductedLines[i]
		err := s.locks.with(ctx, lock.InventoryKey(line.ProductID, line.OptionID), func(ctx context.Context) error {
			return s.store.UpdateOption(ctx, line.ProductID, line.OptionID, func(p *ProductOption) error {
				return p.Restock(line.Quantity)
			})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("restock %s/%s: %w", line.ProductID, line.OptionID, err))
			pending = append([]DeductedLine{line}, pending...)
		}
	}
	c.DeductedLines = pending
	c.InventoryDeducted = len(pending) > 0
	return errors.Join(errs...)
}

// DeductBalanceStep charges the final amount to the user's wallet.
type DeductBalanceStep struct {
	store WalletStore
	locks lockScope
}

func NewDeductBalanceStep(store WalletStore, locker lock.Locker, policy lock.Policy) *DeductBalanceStep {
	return &DeductBalanceStep{store: store, locks: lockScope{locker, policy}}
}

func (s *DeductBalanceStep) Name() string { return StepDeductBalance }
func (s *DeductBalanceStep) Order() int   { return 2 }

func (s *DeductBalanceStep) Applied(c *SagaContext) bool { return c.BalanceDeducted }

func (s *DeductBalanceStep) Execute(ctx context.Context, c *SagaContext) error {
	amount := c.FinalAmount
	err := s.locks.with(ctx, lock.BalanceKey(c.UserID), func(ctx context.Context) error {
		return s.store.UpdateWallet(ctx, c.UserID, func(w *Wallet) error {
			return w.Debit(amount)
		})
	})
	if err != nil {
		return err
	}
	c.DeductedAmount = amount
	c.BalanceDeducted = true
	return nil
}

func (s *DeductBalanceStep) Compensate(ctx context.Context, c *SagaContext) error {
	if !c.BalanceDeducted {
		return nil
	}
	amount := c.DeductedAmount
	err := s.locks.with(ctx, lock.BalanceKey(c.UserID), func(ctx context.Context) error {
		return s.store.UpdateWallet(ctx, c.UserID, func(w *Wallet) error {
			return w.Credit(amount)
		})
	})
	if err != nil {
		return fmt.Errorf("refund %d to %s: %w", amount, c.UserID, err)
	}
	c.DeductedAmount = 0
	c.BalanceDeducted = false
	return nil
}

// UseCouponStep redeems the user's grant. Without a coupon it does nothing in
// either direction.
type UseCouponStep struct {
	store CouponStore
	locks lockScope
	now   func() time.Time
}

func NewUseCouponStep(store CouponStore, locker lock.Locker, policy lock.Policy) *UseCouponStep {
	return &UseCouponStep{store: store, locks: lockScope{locker, policy}, now: time.Now}
}

func (s *UseCouponStep) Name() string { return StepUseCoupon }
func (s *UseCouponStep) Order() int   { return 3 }

func (s *UseCouponStep) Applied(c *SagaContext) bool { return c.CouponUsed }

func (s *UseCouponStep) Execute(ctx context.Context, c *SagaContext) error {
	if !c.HasCoupon() {
		return nil
	}
	at := s.now()
	err := s.locks.with(ctx, lock.CouponKey(c.CouponID), func(ctx context.Context) error {
		return s.store.UpdateRedemption(ctx, c.UserID, c.CouponID, func(r *CouponRedemption) error {
			return r.Redeem(at)
		})
	})
	if err != nil {
		return err
	}
	c.UsedCouponID = c.CouponID
	c.CouponUsed = true
	return nil
}

func (s *UseCouponStep) Compensate(ctx context.Context, c *SagaContext) error {
	if !c.HasCoupon() || !c.CouponUsed {
		return nil
	}
	couponID := c.UsedCouponID
	err := s.locks.with(ctx, lock.CouponKey(couponID), func(ctx context.Context) error {
		return s.store.UpdateRedemption(ctx, c.UserID, couponID, func(r *CouponRedemption) error {
			return r.Revert()
		})
	})
	if err != nil && !errors.Is(err, saga.ErrAlreadyCompensated) {
		return fmt.Errorf("revert coupon %s: %w", couponID, err)
	}
	c.UsedCouponID = ""
	c.CouponUsed = false
	return err
}

// CreateOrderStep persists the order and its completion event together.
type CreateOrderStep struct {
	store OrderStore
	now   func() time.Time
}

func NewCreateOrderStep(store OrderStore) *CreateOrderStep {
	return &CreateOrderStep{store: store, now: time.Now}
}

func (s *CreateOrderStep) Name() string { return StepCreateOrder }
func (s *CreateOrderStep) Order() int   { return 4 }

func (s *CreateOrderStep) Applied(c *SagaContext) bool { return c.OrderCreated }

func (s *CreateOrderStep) Execute(ctx context.Context, c *SagaContext) error {
	now := s.now().UTC()
	order := Order{
		ID:          c.OrderID,
		UserID:      c.UserID,
		CouponID:    c.UsedCouponID,
		Subtotal:    c.Subtotal,
		Discount:    c.Discount,
		FinalAmount: c.FinalAmount,
		Status:      OrderStatusSuccess,
		CreatedAt:   now,
	}
	for _, l := range c.Lines {
		order.Lines = append(order.Lines, OrderLine{
			ProductID:   l.ProductID,
			OptionID:    l.OptionID,
			ProductName: l.ProductName,
			OptionName:  l.OptionName,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			LineTotal:   l.LineTotal(),
		})
	}
	event, err := completedEvent(order, now)
	if err != nil {
		return err
	}
	if err := s.store.CreateOrder(ctx, order, event); err != nil {
		return fmt.Errorf("create order %s: %w", order.ID, err)
	}
	c.Order = &order
	c.OrderCreated = true
	return nil
}

// Compensate marks the order cancelled and enqueues the cancellation event in
// the same transaction.
func (s *CreateOrderStep) Compensate(ctx context.Context, c *SagaContext) error {
	if !c.OrderCreated {
		return nil
	}
	now := s.now().UTC()
	snapshot := Order{ID: c.OrderID, UserID: c.UserID}
	if c.Order != nil {
		snapshot = *c.Order
	}
	if err := snapshot.Cancel(now); err != nil {
		return err
	}
	event, err := cancelledEvent(snapshot, now)
	if err != nil {
		return err
	}
	err = s.store.UpdateOrder(ctx, c.OrderID, func(o *Order) error {
		return o.Cancel(now)
	}, event)
	if err != nil && !errors.Is(err, saga.ErrAlreadyCompensated) {
		return fmt.Errorf("cancel order %s: %w", c.OrderID, err)
	}
	c.Order = &snapshot
	c.OrderCreated = false
	return err
}
