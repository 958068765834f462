package reliability

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling through while the breaker is
// open, or while its single half-open trial is in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// MaxFailures consecutive failures open the breaker. Defaults to 1.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before a trial call.
	// Defaults to 2s.
	ResetTimeout time.Duration
	Now          func() time.Time
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(from, to BreakerState)
}

// CircuitBreaker stops calling a dependency after repeated failures and lets
// one trial call through once the reset timeout passes.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker constructs a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// State reports the current position, without advancing an expired open state.
func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn unless the breaker rejects the call. A nil breaker always
// calls through.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	now := c.cfg.Now()
	if err := c.admit(now); err != nil {
		return err
	}
	err := fn()
	c.settle(now, err)
	return err
}

func (c *CircuitBreaker) admit(now time.Time) error {
	c.mu.Lock()
	from := c.state
	switch {
	case c.state == BreakerOpen && now.Sub(c.openedAt) < c.cfg.ResetTimeout:
		c.mu.Unlock()
		return ErrCircuitOpen
	case c.state == BreakerHalfOpen && c.trial:
		c.mu.Unlock()
		return ErrCircuitOpen
	case c.state == BreakerOpen:
		c.state = BreakerHalfOpen
	}
	if c.state == BreakerHalfOpen {
		c.trial = true
	}
	to := c.state
	c.mu.Unlock()

	c.notify(from, to)
	return nil
}

func (c *CircuitBreaker) settle(now time.Time, err error) {
	c.mu.Lock()
	from := c.state
	c.trial = false
	switch {
	case err == nil:
		c.state = BreakerClosed
		c.failures = 0
	case from == BreakerHalfOpen:
		c.trip(now)
	default:
		c.failures++
		if c.failures >= c.cfg.MaxFailures {
			c.trip(now)
		}
	}
	to := c.state
	c.mu.Unlock()

	c.notify(from, to)
}

// trip opens the breaker; callers hold mu.
func (c *CircuitBreaker) trip(now time.Time) {
	c.state = BreakerOpen
	c.openedAt = now
	c.failures = 0
}

func (c *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}
