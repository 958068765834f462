// Package reliability holds retry, circuit breaking and rate limiting used by
// outbound calls and background workers.
package reliability

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// maxShift caps the exponent so the doubling never overflows.
const maxShift = 30

// RetryPolicy retries a call with exponential backoff. Zero values fall back
// to one attempt, no delay cap, half-to-full jitter and a context-aware sleep.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do calls fn until it succeeds, returns a permanent error, or the attempts
// run out. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.normalized()

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || !p.ShouldRetry(err) {
			return err
		}
		if delay := p.Jitter(p.backoff(attempt)); delay > 0 {
			if sleepErr := p.Sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

// Delay is the jittered wait after the given failed attempt (1-based), for
// callers that schedule the next try themselves.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.normalized().Jitter(p.backoff(attempt))
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Jitter == nil {
		p.Jitter = halfJitter
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = Retryable
	}
	return p
}

// backoff is BaseDelay doubled per failed attempt, clamped to MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	shift := min(max(attempt-1, 0), maxShift)
	delay := p.BaseDelay << shift
	if p.MaxDelay > 0 && (delay <= 0 || delay > p.MaxDelay) {
		return p.MaxDelay
	}
	return delay
}

// Retryable is the default ShouldRetry: cancellation, deadlines and an open
// breaker are final.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrCircuitOpen):
		return false
	}
	return true
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(half+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
