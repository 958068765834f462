// Package saga runs a fixed, ordered list of steps as a pseudo-transaction:
// steps apply forward in ascending order and, when one fails, every applied
// step is compensated in strictly descending order.
package saga

import "context"

// Step is one unit of forward work plus its inverse. Implementations are
// stateless policy objects shared by every run; per-run data lives in C.
type Step[C any] interface {
	Name() string
	// Order positions the step in the forward sequence. Ties keep declaration
	// order.
	Order() int
	Execute(ctx context.Context, c C) error
	// Compensate undoes what Execute recorded in c. It must be a no-op when
	// Applied(c) is false.
	Compensate(ctx context.Context, c C) error
	// Applied reports whether Execute has mutated state that needs undoing.
	Applied(c C) bool
}

// RunInfo identifies one saga run for journaling and diagnostics.
type RunInfo struct {
	SagaID  string
	OrderID string
	UserID  string
}
