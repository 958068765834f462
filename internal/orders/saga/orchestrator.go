package saga

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Observer receives timing for every step invocation and the terminal state
// of every run.
type Observer interface {
	ObserveStep(step, phase string, d time.Duration, err error)
	ObserveRun(state State)
}

// Phases reported to Observer.
const (
	PhaseExecute    = "execute"
	PhaseCompensate = "compensate"
)

// Options configures optional collaborators of an Orchestrator.
type Options struct {
	Journal  SagaStore
	Observer Observer
	Logger   *zap.Logger
}

// Result is the outcome of one run.
type Result struct {
	State State
	// Err is the forward failure that triggered compensation.
	Err        error
	FailedStep string
	// Compensated lists steps undone successfully, in the order they were undone.
	Compensated []string
	// Unresolved holds the critical compensation failures.
	Unresolved []error
}

// Orchestrator runs a fixed ordered list of steps.
type Orchestrator[C any] struct {
	steps    []Step[C]
	failures *FailureHandler
	journal  SagaStore
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrchestrator sorts steps by Order and binds them to the failure handler.
func NewOrchestrator[C any](steps []Step[C], failures *FailureHandler, opts Options) *Orchestrator[C] {
	sorted := make([]Step[C], len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if failures == nil {
		failures = NewFailureHandler(nil, nil, logger, NoRetry)
	}
	return &Orchestrator[C]{
		steps:    sorted,
		failures: failures,
		journal:  opts.Journal,
		observer: opts.Observer,
		logger:   logger.Named("saga"),
		now:      time.Now,
	}
}

// Steps returns the steps in forward order.
func (o *Orchestrator[C]) Steps() []Step[C] {
	out := make([]Step[C], len(o.steps))
	copy(out, o.steps)
	return out
}

// Run executes every step in ascending order. On the first failure it
// compensates every applied step in descending order, then reports the
// terminal state. Compensation runs detached from ctx cancellation.
func (o *Orchestrator[C]) Run(ctx context.Context, info RunInfo, c C) Result {
	res := Result{State: StateRunning}
	o.logger.Debug("saga started", zap.String("saga_id", info.SagaID), zap.String("order_id", info.OrderID))

	for _, step := range o.steps {
		if step.Applied(c) {
			continue
		}
		o.journalStep(ctx, info, step.Name(), StepStarted, "")
		start := o.now()
		err := step.Execute(ctx, c)
		o.observeStep(step.Name(), PhaseExecute, o.now().Sub(start), err)
		if err != nil {
			o.journalStep(ctx, info, step.Name(), StepFailed, err.Error())
			res.Err = err
			res.FailedStep = step.Name()
			o.logger.Info("saga step failed",
				zap.String("saga_id", info.SagaID),
				zap.String("step", step.Name()),
				zap.Error(err),
			)
			break
		}
		o.journalStep(ctx, info, step.Name(), StepSucceeded, "")
	}

	if res.Err == nil {
		res.State = StateCommitted
		o.finish(ctx, info, res.State)
		return res
	}

	res.State = StateCompensating
	o.compensate(context.WithoutCancel(ctx), info, c, &res)
	if len(res.Unresolved) > 0 {
		res.State = StateCompensationFailed
	} else {
		res.State = StateCompensated
	}
	o.finish(ctx, info, res.State)
	return res
}

func (o *Orchestrator[C]) compensate(ctx context.Context, info RunInfo, c C, res *Result) {
	for i := len(o.steps) - 1; i >= 0; i-- {
		step := o.steps[i]
		if !step.Applied(c) {
			continue
		}
		start := o.now()
		err := step.Compensate(ctx, c)
		o.observeStep(step.Name(), PhaseCompensate, o.now().Sub(start), err)
		if err == nil {
			res.Compensated = append(res.Compensated, step.Name())
			o.journalStep(ctx, info, step.Name(), StepCompensated, "")
			continue
		}

		o.journalStep(ctx, info, step.Name(), StepCompensationFailed, err.Error())
		handled := o.failures.Handle(ctx, Failure{
			Run:       info,
			StepName:  step.Name(),
			StepOrder: step.Order(),
			Err:       err,
			Snapshot:  c,
		})
		var compErr *CompensationError
		if errors.As(handled, &compErr) {
			res.Unresolved = append(res.Unresolved, compErr)
		}
	}
}

func (o *Orchestrator[C]) finish(ctx context.Context, info RunInfo, state State) {
	if o.journal != nil {
		if err := o.journal.UpdateStatus(context.WithoutCancel(ctx), info.SagaID, state); err != nil {
			o.logger.Warn("journal saga status", zap.String("saga_id", info.SagaID), zap.Error(err))
		}
	}
	if o.observer != nil {
		o.observer.ObserveRun(state)
	}
	o.logger.Debug("saga finished", zap.String("saga_id", info.SagaID), zap.String("state", string(state)))
}

func (o *Orchestrator[C]) journalStep(ctx context.Context, info RunInfo, step, status, detail string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.AddStep(context.WithoutCancel(ctx), info.SagaID, step, status, detail); err != nil {
		o.logger.Warn("journal saga step", zap.String("saga_id", info.SagaID), zap.String("step", step), zap.Error(err))
	}
}

func (o *Orchestrator[C]) observeStep(step, phase string, d time.Duration, err error) {
	if o.observer != nil {
		o.observer.ObserveStep(step, phase, d, err)
	}
}
