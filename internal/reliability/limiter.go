package reliability

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter admits one caller per interval with bursts up to burst. A zero
// interval or burst disables limiting.
type RateLimiter struct {
	lim    *rate.Limiter
	onWait func(time.Duration)
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// NewRateLimiter constructs a limiter that refills one token every interval.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	r := &RateLimiter{now: time.Now, sleep: sleepCtx}
	if interval > 0 && burst > 0 {
		r.lim = rate.NewLimiter(rate.Every(interval), burst)
	}
	return r
}

// OnWait registers a hook called with the delay each time a caller has to
// wait for a token.
func (r *RateLimiter) OnWait(fn func(time.Duration)) *RateLimiter {
	if r != nil {
		r.onWait = fn
	}
	return r
}

// Wait blocks until a token is available or ctx ends. A cancelled wait hands
// its reserved token back.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.lim == nil {
		return nil
	}

	now := r.now()
	res := r.lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if r.onWait != nil {
		r.onWait(delay)
	}
	if err := r.sleep(ctx, delay); err != nil {
		res.CancelAt(r.now())
		return err
	}
	return nil
}
