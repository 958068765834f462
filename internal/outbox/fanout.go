package outbox

import (
	"context"
	"encoding/json"

	"storefront/internal/reliability"

	"go.uber.org/zap"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher delivers to a primary transport then broadcasts the event to
// live clients. Only the primary's outcome counts as delivery.
type FanoutPublisher struct {
	primary     Publisher
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewFanoutPublisher constructs a publisher that fans out to primary and broadcaster.
func NewFanoutPublisher(primary Publisher, broadcaster Broadcaster, logger *zap.Logger) *FanoutPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FanoutPublisher{
		primary:     primary,
		broadcaster: broadcaster,
		logger:      logger.Named("outbox.fanout"),
	}
}

// Publish writes to the primary then broadcasts the event.
func (p *FanoutPublisher) Publish(ctx context.Context, rec Record) error {
	if err := p.primary.Publish(ctx, rec); err != nil {
		return err
	}
	if p.broadcaster == nil {
		return nil
	}

	payload := struct {
		Type      string          `json:"type"`
		MessageID string          `json:"message_id"`
		OrderID   string          `json:"order_id"`
		Payload   json.RawMessage `json:"payload"`
	}{
		Type:      rec.MessageType,
		MessageID: rec.ID,
		OrderID:   rec.OrderID,
		Payload:   rec.Payload,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Delivery already succeeded; only the live broadcast is dropped.
		p.logger.Warn("fanout broadcast dropped",
			zap.String("message_id", rec.ID),
			zap.String("order_id", rec.OrderID),
			zap.Error(err),
		)
		return nil
	}
	p.broadcaster.Broadcast(data)
	return nil
}

// BreakerPublisher stops calling a failing transport until its breaker resets.
// Rejected calls count as failed delivery attempts.
type BreakerPublisher struct {
	next    Publisher
	breaker *reliability.CircuitBreaker
}

// NewBreakerPublisher wraps next with breaker.
func NewBreakerPublisher(next Publisher, breaker *reliability.CircuitBreaker) *BreakerPublisher {
	return &BreakerPublisher{next: next, breaker: breaker}
}

func (b *BreakerPublisher) Publish(ctx context.Context, rec Record) error {
	return b.breaker.Execute(func() error {
		return b.next.Publish(ctx, rec)
	})
}

// LogPublisher logs records instead of delivering them. It stands in for a
// transport in local setups.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a publisher writing to logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("outbox.log")}
}

func (l *LogPublisher) Publish(_ context.Context, rec Record) error {
	l.logger.Info("outbox event",
		zap.String("message_id", rec.ID),
		zap.String("order_id", rec.OrderID),
		zap.String("message_type", rec.MessageType),
		zap.ByteString("payload", rec.Payload),
	)
	return nil
}
