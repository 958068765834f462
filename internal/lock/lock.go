// Package lock provides leased mutual exclusion over named resources.
//
// A lease is held by exactly one caller per key at a time and expires on its
// own after the lease timeout, so a crashed holder never blocks the key
// forever. Acquisition waits at most the wait timeout and then fails with
// ErrLockTimeout, which callers treat as retryable.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockTimeout is returned when a lease could not be acquired within the
// wait timeout.
var ErrLockTimeout = errors.New("lock: acquire timed out")

// ErrNotHeld is returned when releasing a lease that already expired or was
// taken over by another holder.
var ErrNotHeld = errors.New("lock: lease not held")

// DefaultWaitTimeout and DefaultLeaseTimeout are the reference policy.
const (
	DefaultWaitTimeout  = 5 * time.Second
	DefaultLeaseTimeout = 10 * time.Second
)

// Lease is a time-bounded, uniquely held right to mutate a resource.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, wait, lease time.Duration) (Lease, error)
}

// Policy holds the timeouts used by WithLock.
type Policy struct {
	Wait  time.Duration
	Lease time.Duration
}

// DefaultPolicy returns the reference wait and lease timeouts.
func DefaultPolicy() Policy {
	return Policy{Wait: DefaultWaitTimeout, Lease: DefaultLeaseTimeout}
}

func (p Policy) normalized() Policy {
	if p.Wait <= 0 {
		p.Wait = DefaultWaitTimeout
	}
	if p.Lease <= 0 {
		p.Lease = DefaultLeaseTimeout
	}
	return p
}

// WithLock runs fn while holding the lease for key. The lease is released when
// fn returns, whether it failed or not. A release failure is reported only if
// fn itself succeeded.
func WithLock(ctx context.Context, locker Locker, key string, policy Policy, fn func(ctx context.Context) error) (err error) {
	policy = policy.normalized()
	lease, err := locker.Acquire(ctx, key, policy.Wait, policy.Lease)
	if err != nil {
		return err
	}
	defer func() {
		relErr := lease.Release(context.WithoutCancel(ctx))
		if relErr != nil && err == nil && !errors.Is(relErr, ErrNotHeld) {
			err = fmt.Errorf("release %s: %w", key, relErr)
		}
	}()
	return fn(ctx)
}

// InventoryKey names the lock guarding one product option's stock.
func InventoryKey(productID, optionID string) string {
	return "inventory:" + productID + ":" + optionID
}

// BalanceKey names the lock guarding a user's wallet.
func BalanceKey(userID string) string {
	return "balance:" + userID
}

// CouponKey names the lock guarding a coupon pool.
func CouponKey(couponID string) string {
	return "coupon:" + couponID
}
