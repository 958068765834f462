package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront/internal/alert"
	"storefront/internal/reliability"

	"go.uber.org/zap"
)

// DefaultMaxAttempts is the number of delivery attempts before a record is
// abandoned.
const DefaultMaxAttempts = 3

// DeliveryObserver is told the status every delivery attempt ends in.
type DeliveryObserver interface {
	ObserveDelivery(status Status)
}

// DispatcherConfig tunes polling and retry behaviour.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// Backoff computes the wait after the n-th failed attempt.
	Backoff reliability.RetryPolicy
	// Limiter paces publishes; nil disables pacing.
	Limiter *reliability.RateLimiter
}

// DefaultDispatcherConfig returns the reference policy.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: time.Second,
		BatchSize:    100,
		MaxAttempts:  DefaultMaxAttempts,
		Backoff: reliability.RetryPolicy{
			BaseDelay: 2 * time.Second,
			MaxDelay:  time.Minute,
		},
	}
}

// Dispatcher polls the store and delivers due records.
type Dispatcher struct {
	store     Store
	publisher Publisher
	alerter   alert.Alerter
	logger    *zap.Logger
	cfg       DispatcherConfig
	observer  DeliveryObserver
	now       func() time.Time
}

// NewDispatcher constructs a dispatcher; zero config fields take defaults.
func NewDispatcher(store Store, publisher Publisher, alerter alert.Alerter, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff.BaseDelay = def.Backoff.BaseDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		alerter:   alerter,
		logger:    logger.Named("outbox"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithObserver attaches a delivery observer.
func (d *Dispatcher) WithObserver(o DeliveryObserver) *Dispatcher {
	d.observer = o
	return d
}

// Run dispatches on every poll tick until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("outbox dispatch", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch of due records and returns how many were
// attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	records, err := d.store.FindPending(ctx, d.now().UTC(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find pending: %w", err)
	}

	var errs []error
	attempted := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return attempted, err
		}
		if err := d.cfg.Limiter.Wait(ctx); err != nil {
			return attempted, err
		}
		attempted++
		if err := d.deliver(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return attempted, errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, rec Record) error {
	pubErr := d.publisher.Publish(ctx, rec)
	if pubErr == nil {
		if err := d.store.MarkSent(context.WithoutCancel(ctx), rec.ID, d.now().UTC()); err != nil {
			return fmt.Errorf("mark %s sent: %w", rec.ID, err)
		}
		d.observe(StatusSent)
		return nil
	}

	// A publish cut short by shutdown is not a delivery attempt; the record
	// stays due and is picked up on the next run.
	if ctxErr := ctx.Err(); ctxErr != nil {
		d.logger.Debug("outbox delivery interrupted",
			zap.String("message_id", rec.ID),
			zap.Error(pubErr),
		)
		return ctxErr
	}

	attempts := rec.RetryCount + 1
	fields := []zap.Field{
		zap.String("message_id", rec.ID),
		zap.String("order_id", rec.OrderID),
		zap.String("message_type", rec.MessageType),
		zap.Int("attempt", attempts),
		zap.Error(pubErr),
	}

	if attempts >= d.cfg.MaxAttempts {
		if err := d.store.MarkAbandoned(ctx, rec.ID, pubErr.Error()); err != nil {
			return fmt.Errorf("mark %s abandoned: %w", rec.ID, err)
		}
		d.observe(StatusAbandoned)
		d.logger.Error("outbox record abandoned", fields...)
		alert.Raise(ctx, d.alerter, d.logger, alert.Alert{
			Level:   alert.LevelCritical,
			Title:   "outbox delivery abandoned",
			OrderID: rec.OrderID,
			Detail:  pubErr.Error(),
			Fields: map[string]string{
				"message_id":   rec.ID,
				"message_type": rec.MessageType,
				"attempts":     strconv.Itoa(attempts),
			},
		})
		return nil
	}

	next := d.now().UTC().Add(d.cfg.Backoff.Delay(attempts))
	if err := d.store.MarkFailed(ctx, rec.ID, pubErr.Error(), next); err != nil {
		return fmt.Errorf("mark %s failed: %w", rec.ID, err)
	}
	d.observe(StatusFailed)
	d.logger.Warn("outbox delivery failed", append(fields, zap.Time("next_attempt_at", next))...)
	return nil
}

func (d *Dispatcher) observe(status Status) {
	if d.observer != nil {
		d.observer.ObserveDelivery(status)
	}
}
