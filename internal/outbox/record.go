// Package outbox delivers events that were persisted alongside the state
// change that produced them. Records are written in the producer's
// transaction and delivered later by a Dispatcher with bounded retries.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Message types produced by the order saga.
const (
	TypeOrderCompleted = "order.completed"
	TypeOrderCancelled = "order.cancelled"
	TypeOrderFailed    = "order.failed"
)

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("outbox record not found")

// Record is one outbound event.
type Record struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	MessageType   string          `json:"message_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

// NewRecord snapshots payload into a pending record due immediately.
func NewRecord(orderID, messageType string, payload any, now time.Time) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", messageType, err)
	}
	now = now.UTC()
	return Record{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		MessageType:   messageType,
		Payload:       raw,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Store persists records. Only the Dispatcher calls the Mark methods.
type Store interface {
	Enqueue(ctx context.Context, rec Record) error
	// FindPending returns pending records and failed records whose next
	// attempt is due, oldest first.
	FindPending(ctx context.Context, now time.Time, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkFailed increments the retry count and schedules the next attempt.
	MarkFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error
	// MarkAbandoned increments the retry count and parks the record for
	// manual replay.
	MarkAbandoned(ctx context.Context, id, reason string) error
}

// Publisher delivers a record to downstream consumers. Consumers are expected
// to be idempotent on Record.ID.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}
