// Package alert delivers operator alerts. Delivery is fire-and-forget: a
// failing channel is logged and never escalates further.
package alert

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Level distinguishes pages from notices.
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
)

// Alert is what an operator sees.
type Alert struct {
	Level   Level
	Title   string
	SagaID  string
	OrderID string
	Detail  string
	Fields  map[string]string
}

// Alerter raises operator alerts.
type Alerter interface {
	RaiseCritical(ctx context.Context, a Alert) error
	RaiseWarning(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log. It is the default channel;
// paging integrations sit behind the same interface.
type LogAlerter struct {
	logger *zap.Logger
}

// NewLogAlerter constructs an alerter logging through logger.
func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger.Named("alert")}
}

func (l *LogAlerter) RaiseCritical(_ context.Context, a Alert) error {
	l.logger.Error(a.Title, fields(LevelCritical, a)...)
	return nil
}

func (l *LogAlerter) RaiseWarning(_ context.Context, a Alert) error {
	l.logger.Warn(a.Title, fields(LevelWarning, a)...)
	return nil
}

func fields(level Level, a Alert) []zap.Field {
	out := []zap.Field{
		zap.String("level", string(level)),
		zap.String("saga_id", a.SagaID),
		zap.String("order_id", a.OrderID),
		zap.String("detail", a.Detail),
	}
	for k, v := range a.Fields {
		out = append(out, zap.String(k, v))
	}
	return out
}

// Multi raises every alert on each channel in order, collecting failures so
// every channel gets a chance to deliver.
type Multi []Alerter

func (m Multi) RaiseCritical(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.RaiseCritical(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RaiseWarning(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.RaiseWarning(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Raise delivers a through alerter according to its level and logs any
// delivery failure.
func Raise(ctx context.Context, alerter Alerter, logger *zap.Logger, a Alert) {
	if alerter == nil {
		return
	}
	var err error
	switch a.Level {
	case LevelCritical:
		err = alerter.RaiseCritical(ctx, a)
	default:
		err = alerter.RaiseWarning(ctx, a)
	}
	if err != nil && logger != nil {
		logger.Warn("alert delivery failed", zap.String("title", a.Title), zap.Error(err))
	}
}
