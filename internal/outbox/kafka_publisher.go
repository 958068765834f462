package outbox

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes records to a Kafka topic keyed by order id, so events
// of one order stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

// NewKafkaWriter builds a synchronous writer acknowledged by all replicas.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
}

// NewKafkaPublisher constructs a publisher writing to topic.
func NewKafkaPublisher(writer MessageWriter, topic string) *KafkaPublisher {
	if topic == "" {
		topic = "order-events"
	}
	return &KafkaPublisher{writer: writer, topic: topic}
}

func (k *KafkaPublisher) Publish(ctx context.Context, rec Record) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(rec.OrderID),
		Value: rec.Payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(rec.ID)},
			{Key: "message_type", Value: []byte(rec.MessageType)},
		},
	})
}

// Close releases the underlying writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
