package outbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamAdder is the minimal client surface used by RedisStreamPublisher.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamPublisher appends records to a Redis stream.
type RedisStreamPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisStreamPublisher constructs a Redis-backed publisher.
func NewRedisStreamPublisher(client StreamAdder, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "order_events"
	}
	return &RedisStreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Publish appends the record to the stream.
func (r *RedisStreamPublisher) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"message_id":   rec.ID,
			"order_id":     rec.OrderID,
			"message_type": rec.MessageType,
			"payload":      string(rec.Payload),
			"created_at":   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Err()
}
