package saga

import (
	"context"
	"errors"
)

// State captures where a saga run is in its lifecycle.
type State string

const (
	StateNotStarted         State = "not_started"
	StateRunning            State = "running"
	StateCommitted          State = "committed"
	StateCompensating       State = "compensating"
	StateCompensated        State = "compensated"
	StateCompensationFailed State = "compensation_failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateCompensated, StateCompensationFailed:
		return true
	}
	return false
}

// AllowsResubmit reports whether a run in this state may be replaced by a new
// run under the same idempotency key. Only a run that left nothing applied
// qualifies.
func (s State) AllowsResubmit() bool {
	return s == StateCompensated
}

// Step journal statuses.
const (
	StepStarted            = "started"
	StepSucceeded          = "succeeded"
	StepFailed             = "failed"
	StepCompensated        = "compensated"
	StepCompensationFailed = "compensation_failed"
)

// SagaRecord represents a stored saga entry.
type SagaRecord struct {
	SagaID      string
	OrderID     string
	UserID      string
	RequestHash string
	Status      State
}

// SagaStore persists idempotency keys and the step journal of each run.
type SagaStore interface {
	// Start records a new run for idempotencyKey and reports true. When the
	// key already names a run for the same user and request hash, that run is
	// returned with false, unless its state allows a resubmit, in which case
	// the key moves to the new run. A different user or hash is
	// ErrIdempotencyConflict.
	Start(ctx context.Context, idempotencyKey, sagaID, orderID, userID, requestHash string) (SagaRecord, bool, error)
	UpdateStatus(ctx context.Context, sagaID string, status State) error
	AddStep(ctx context.Context, sagaID, step, status, detail string) error
}

var ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
