package orders

import (
	"time"

	"storefront/internal/orders/saga"
	"storefront/internal/outbox"
)

// OrderEvent is the payload of every order outbox record.
type OrderEvent struct {
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	Status      string      `json:"status"`
	Lines       []OrderLine `json:"lines,omitempty"`
	CouponID    string      `json:"coupon_id,omitempty"`
	Subtotal    int64       `json:"subtotal"`
	Discount    int64       `json:"discount"`
	FinalAmount int64       `json:"final_amount"`
	OccurredAt  time.Time   `json:"occurred_at"`

	SagaState           saga.State `json:"saga_state,omitempty"`
	FailedStep          string     `json:"failed_step,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	NeedsReconciliation bool       `json:"needs_reconciliation,omitempty"`
}

func orderEvent(o Order, at time.Time) OrderEvent {
	return OrderEvent{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Status:      o.Status,
		Lines:       o.Lines,
		CouponID:    o.CouponID,
		Subtotal:    o.Subtotal,
		Discount:    o.Discount,
		FinalAmount: o.FinalAmount,
		OccurredAt:  at.UTC(),
	}
}

func completedEvent(o Order, at time.Time) (outbox.Record, error) {
	return outbox.NewRecord(o.ID, outbox.TypeOrderCompleted, orderEvent(o, at), at)
}

func cancelledEvent(o Order, at time.Time) (outbox.Record, error) {
	return outbox.NewRecord(o.ID, outbox.TypeOrderCancelled, orderEvent(o, at), at)
}

func failedEvent(c *SagaContext, res saga.Result, at time.Time) (outbox.Record, error) {
	ev := OrderEvent{
		OrderID:             c.OrderID,
		UserID:              c.UserID,
		Status:              OrderStatusCancelled,
		CouponID:            c.CouponID,
		Subtotal:            c.Subtotal,
		Discount:            c.Discount,
		FinalAmount:         c.FinalAmount,
		OccurredAt:          at.UTC(),
		SagaState:           res.State,
		FailedStep:          res.FailedStep,
		NeedsReconciliation: res.State == saga.StateCompensationFailed,
	}
	if res.Err != nil {
		ev.Reason = res.Err.Error()
	}
	return outbox.NewRecord(c.OrderID, outbox.TypeOrderFailed, ev, at)
}
