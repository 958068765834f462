package dlq

import (
	"context"
	"errors"

	"storefront/internal/orders/saga"
)

// MultiRecorder writes every record to each sink in order.
type MultiRecorder struct {
	sinks []saga.Recorder
}

// NewMultiRecorder constructs a Recorder that writes to each sink in sequence.
func NewMultiRecorder(sinks ...saga.Recorder) *MultiRecorder {
	return &MultiRecorder{sinks: sinks}
}

// Record forwards rec to each sink, collecting errors so all sinks get a
// chance to write. It fails only when every sink failed.
func (m *MultiRecorder) Record(ctx context.Context, rec saga.FailedCompensation) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(m.sinks) {
		return errors.Join(errs...)
	}
	return nil
}
