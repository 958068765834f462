package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront/internal/alert"
	"storefront/internal/reliability"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyCompensated marks a compensation that found its target already
// reverted by another path. Such failures are audited but not escalated.
var ErrAlreadyCompensated = errors.New("saga: compensation target already reverted")

// NoRetry makes a single attempt at persisting a failed compensation.
var NoRetry = reliability.RetryPolicy{MaxAttempts: 1}

// Severity is the outcome of classifying a compensation failure.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityOrdinary Severity = "ordinary"
)

// Classify decides whether a compensation failure risks leaving corrupted
// state. Anything not known to be benign is critical.
func Classify(err error) Severity {
	if err == nil || errors.Is(err, ErrAlreadyCompensated) {
		return SeverityOrdinary
	}
	return SeverityCritical
}

// CompensationError reports a critical compensation failure back to the
// orchestrator.
type CompensationError struct {
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensate %s: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// FailedCompensation is the dead-letter record written for every
// compensation failure. It is never mutated after it is written.
type FailedCompensation struct {
	ID         string          `json:"id"`
	SagaID     string          `json:"saga_id"`
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	StepName   string          `json:"step_name"`
	StepOrder  int             `json:"step_order"`
	Severity   Severity        `json:"severity"`
	Error      string          `json:"error"`
	Context    json.RawMessage `json:"context,omitempty"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Recorder persists failed compensations for manual replay.
type Recorder interface {
	Record(ctx context.Context, rec FailedCompensation) error
}

// Failure describes one compensation that returned an error.
type Failure struct {
	Run       RunInfo
	StepName  string
	StepOrder int
	Err       error
	// Snapshot is serialized into the dead-letter record as-is.
	Snapshot any
}

// FailureHandler classifies, records and escalates compensation failures.
type FailureHandler struct {
	recorder Recorder
	alerter  alert.Alerter
	logger   *zap.Logger
	retry    reliability.RetryPolicy
	newID    func() string
	now      func() time.Time
}

// NewFailureHandler constructs a handler. Writes to recorder are retried with
// retry; a zero policy makes a single attempt.
func NewFailureHandler(recorder Recorder, alerter alert.Alerter, logger *zap.Logger, retry reliability.RetryPolicy) *FailureHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureHandler{
		recorder: recorder,
		alerter:  alerter,
		logger:   logger.Named("compensation"),
		retry:    retry,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Handle records f and, for critical failures, alerts an operator and returns
// a *CompensationError. Ordinary failures return nil.
func (h *FailureHandler) Handle(ctx context.Context, f Failure) error {
	severity := Classify(f.Err)
	rec := FailedCompensation{
		ID:        h.newID(),
		SagaID:    f.Run.SagaID,
		OrderID:   f.Run.OrderID,
		UserID:    f.Run.UserID,
		StepName:  f.StepName,
		StepOrder: f.StepOrder,
		Severity:  severity,
		Error:     f.Err.Error(),
		CreatedAt: h.now().UTC(),
	}
	if f.Snapshot != nil {
		if raw, err := json.Marshal(f.Snapshot); err != nil {
			h.logger.Warn("snapshot saga context", zap.String("saga_id", f.Run.SagaID), zap.Error(err))
		} else {
			rec.Context = raw
		}
	}

	logFields := []zap.Field{
		zap.String("saga_id", f.Run.SagaID),
		zap.String("order_id", f.Run.OrderID),
		zap.String("step", f.StepName),
		zap.String("severity", string(severity)),
		zap.Error(f.Err),
	}

	if severity == SeverityCritical {
		h.logger.Error("compensation failed", logFields...)
		alert.Raise(ctx, h.alerter, h.logger, alert.Alert{
			Level:   alert.LevelCritical,
			Title:   "saga compensation failed",
			SagaID:  f.Run.SagaID,
			OrderID: f.Run.OrderID,
			Detail:  f.Err.Error(),
			Fields: map[string]string{
				"step":       f.StepName,
				"step_order": strconv.Itoa(f.StepOrder),
				"user_id":    f.Run.UserID,
			},
		})
	} else {
		h.logger.Warn("compensation skipped", logFields...)
	}

	h.record(ctx, rec)

	if severity == SeverityCritical {
		return &CompensationError{Step: f.StepName, Err: f.Err}
	}
	return nil
}

func (h *FailureHandler) record(ctx context.Context, rec FailedCompensation) {
	if h.recorder == nil {
		return
	}
	err := h.retry.Do(ctx, func() error {
		return h.recorder.Record(ctx, rec)
	})
	if err == nil {
		return
	}
	h.logger.Error("persist failed compensation", zap.String("saga_id", rec.SagaID), zap.String("step", rec.StepName), zap.Error(err))
	alert.Raise(ctx, h.alerter, h.logger, alert.Alert{
		Level:   alert.LevelWarning,
		Title:   "failed compensation record lost",
		SagaID:  rec.SagaID,
		OrderID: rec.OrderID,
		Detail:  err.Error(),
		Fields:  map[string]string{"step": rec.StepName},
	})
}
