package orders

// PricedLine is a requested line resolved against the catalogue.
type PricedLine struct {
	ProductID   string `json:"product_id"`
	OptionID    string `json:"option_id"`
	ProductName string `json:"product_name"`
	OptionName  string `json:"option_name"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
}

// LineTotal is UnitPrice times Quantity.
func (l PricedLine) LineTotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// DeductedLine records stock taken by the inventory step.
type DeductedLine struct {
	ProductID string `json:"product_id"`
	OptionID  string `json:"option_id"`
	Quantity  int    `json:"quantity"`
}

// SagaContext carries one request through the saga. Each step owns its own
// applied flag and undo data; nothing else writes them.
type SagaContext struct {
	SagaID   string       `json:"saga_id"`
	OrderID  string       `json:"order_id"`
	UserID   string       `json:"user_id"`
	CouponID string       `json:"coupon_id,omitempty"`
	Lines    []PricedLine `json:"lines"`

	Subtotal    int64 `json:"subtotal"`
	Discount    int64 `json:"discount"`
	FinalAmount int64 `json:"final_amount"`

	InventoryDeducted bool           `json:"inventory_deducted"`
	DeductedLines     []DeductedLine `json:"deducted_lines,omitempty"`

	BalanceDeducted bool  `json:"balance_deducted"`
	DeductedAmount  int64 `json:"deducted_amount,omitempty"`

	CouponUsed   bool   `json:"coupon_used"`
	UsedCouponID string `json:"used_coupon_id,omitempty"`

	OrderCreated bool   `json:"order_created"`
	Order        *Order `json:"order,omitempty"`
}

// HasCoupon reports whether the request named a coupon.
func (c *SagaContext) HasCoupon() bool {
	return c.CouponID != ""
}
