package orders

import (
	"errors"
	"fmt"

	"storefront/internal/lock"
	"storefront/internal/orders/saga"
)

// Validation errors are returned before any step runs.
var (
	ErrInvalidRequest  = errors.New("invalid order request")
	ErrProductNotFound = errors.New("product option not found")
	ErrWalletNotFound  = errors.New("wallet not found")
)

// Domain-rule errors are raised by a step and trigger compensation.
var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCouponInvalid       = errors.New("coupon invalid")
	ErrCouponExhausted     = fmt.Errorf("%w: no remaining quantity", ErrCouponInvalid)
	ErrCouponAlreadyUsed   = errors.New("coupon already used")
)

// ErrLockTimeout is retryable; callers may resubmit the request.
var ErrLockTimeout = lock.ErrLockTimeout

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateRequest is returned when an idempotency key was already
	// used for an identical request.
	ErrDuplicateRequest    = errors.New("duplicate order request")
	ErrIdempotencyConflict = saga.ErrIdempotencyConflict
)

// DuplicateRequestError reports an idempotency key whose earlier run is still
// in progress or already finished. It matches ErrDuplicateRequest.
type DuplicateRequestError struct {
	OrderID string
	State   saga.State
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("%s: order %s is %s", ErrDuplicateRequest, e.OrderID, e.State)
}

func (e *DuplicateRequestError) Is(target error) bool {
	return target == ErrDuplicateRequest
}

// FailedOrderError reports a request whose saga did not commit. It unwraps to
// the forward failure so callers can match the domain sentinels.
type FailedOrderError struct {
	OrderID string
	State   saga.State
	Step    string
	Err     error
}

func (e *FailedOrderError) Error() string {
	return fmt.Sprintf("order %s failed at %s: %v", e.OrderID, e.Step, e.Err)
}

func (e *FailedOrderError) Unwrap() error {
	return e.Err
}

// NeedsReconciliation reports whether compensation left state an operator
// must repair.
func (e *FailedOrderError) NeedsReconciliation() bool {
	return e.State == saga.StateCompensationFailed
}
