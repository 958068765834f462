package orders

import (
	"fmt"
	"time"

	"storefront/internal/orders/saga"
)

// ProductOption is one sellable variant and its stock.
type ProductOption struct {
	ProductID   string `json:"product_id"`
	OptionID    string `json:"option_id"`
	ProductName string `json:"product_name"`
	OptionName  string `json:"option_name"`
	Price       int64  `json:"price"`
	Stock       int    `json:"stock"`
}

// Deduct removes quantity from stock. Stock never goes negative.
func (p *ProductOption) Deduct(quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidRequest, quantity)
	}
	if p.Stock < quantity {
		return fmt.Errorf("%w: %s/%s has %d, need %d", ErrInsufficientStock, p.ProductID, p.OptionID, p.Stock, quantity)
	}
	p.Stock -= quantity
	return nil
}

// Restock returns quantity to stock.
func (p *ProductOption) Restock(quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidRequest, quantity)
	}
	p.Stock += quantity
	return nil
}

// Wallet holds a user's spendable balance in minor units.
type Wallet struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// Debit subtracts amount. The balance never goes negative.
func (w *Wallet) Debit(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: amount %d", ErrInvalidRequest, amount)
	}
	if w.Balance < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientBalance, w.Balance, amount)
	}
	w.Balance -= amount
	return nil
}

// Credit adds amount back.
func (w *Wallet) Credit(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: amount %d", ErrInvalidRequest, amount)
	}
	w.Balance += amount
	return nil
}

// DiscountKind selects how a coupon's value is applied.
type DiscountKind string

const (
	DiscountPercent DiscountKind = "percent"
	DiscountFixed   DiscountKind = "fixed"
)

// CouponPool is a coupon definition with a limited number of redemptions.
// Active is cleared exactly when RemainingQty reaches zero.
type CouponPool struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         DiscountKind `json:"kind"`
	Value        int64        `json:"value"`
	RemainingQty int          `json:"remaining_qty"`
	Active       bool         `json:"active"`
}

// Discount returns the amount taken off subtotal, never more than subtotal.
func (c CouponPool) Discount(subtotal int64) int64 {
	var d int64
	switch c.Kind {
	case DiscountPercent:
		d = subtotal * c.Value / 100
	case DiscountFixed:
		d = c.Value
	}
	if d < 0 {
		return 0
	}
	if d > subtotal {
		return subtotal
	}
	return d
}

// Usable reports whether another redemption can be taken from the pool.
func (c CouponPool) Usable() bool {
	return c.Active && c.RemainingQty > 0
}

// Grant statuses.
const (
	GrantUnused = "unused"
	GrantUsed   = "used"
)

// CouponGrant is a coupon issued to one user.
type CouponGrant struct {
	ID       string     `json:"id"`
	UserID   string     `json:"user_id"`
	CouponID string     `json:"coupon_id"`
	Status   string     `json:"status"`
	UsedAt   *time.Time `json:"used_at,omitempty"`
}

// CouponRedemption is the pool and the user's grant, loaded together for
// update.
type CouponRedemption struct {
	Pool  CouponPool
	Grant CouponGrant
}

// Check reports why the grant cannot be redeemed, if it cannot.
func (r CouponRedemption) Check() error {
	if r.Grant.Status == GrantUsed {
		return fmt.Errorf("%w: %s", ErrCouponAlreadyUsed, r.Pool.ID)
	}
	if r.Grant.Status != GrantUnused {
		return fmt.Errorf("%w: grant status %q", ErrCouponInvalid, r.Grant.Status)
	}
	if !r.Pool.Usable() {
		return fmt.Errorf("%w: %s", ErrCouponExhausted, r.Pool.ID)
	}
	return nil
}

// Redeem marks the grant used and takes one unit from the pool.
func (r *CouponRedemption) Redeem(at time.Time) error {
	if err := r.Check(); err != nil {
		return err
	}
	r.Pool.RemainingQty--
	if r.Pool.RemainingQty == 0 {
		r.Pool.Active = false
	}
	at = at.UTC()
	r.Grant.Status = GrantUsed
	r.Grant.UsedAt = &at
	return nil
}

// Revert undoes Redeem. Reverting a grant that is not used reports
// saga.ErrAlreadyCompensated.
func (r *CouponRedemption) Revert() error {
	if r.Grant.Status != GrantUsed {
		return fmt.Errorf("coupon %s for %s: %w", r.Pool.ID, r.Grant.UserID, saga.ErrAlreadyCompensated)
	}
	r.Grant.Status = GrantUnused
	r.Grant.UsedAt = nil
	if r.Pool.RemainingQty == 0 {
		r.Pool.Active = true
	}
	r.Pool.RemainingQty++
	return nil
}

// Order statuses.
const (
	OrderStatusSuccess   = "success"
	OrderStatusCancelled = "cancelled"
)

// OrderLine snapshots the product at purchase time.
type OrderLine struct {
	ProductID   string `json:"product_id"`
	OptionID    string `json:"option_id"`
	ProductName string `json:"product_name"`
	OptionName  string `json:"option_name"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	LineTotal   int64  `json:"line_total"`
}

// Order is the persisted outcome of a committed saga.
type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Lines       []OrderLine `json:"lines"`
	CouponID    string      `json:"coupon_id,omitempty"`
	Subtotal    int64       `json:"subtotal"`
	Discount    int64       `json:"discount"`
	FinalAmount int64       `json:"final_amount"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CancelledAt *time.Time  `json:"cancelled_at,omitempty"`
}

// Cancel marks the order cancelled. Orders are never deleted.
func (o *Order) Cancel(at time.Time) error {
	if o.Status == OrderStatusCancelled {
		return fmt.Errorf("order %s: %w", o.ID, saga.ErrAlreadyCompensated)
	}
	at = at.UTC()
	o.Status = OrderStatusCancelled
	o.CancelledAt = &at
	return nil
}
