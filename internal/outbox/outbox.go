package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/domain"
)

type MessageStatus string

const (
	StatusPending    MessageStatus = "PENDING"
	StatusProcessing MessageStatus = "PROCESSING"
	StatusPublished  MessageStatus = "PUBLISHED"
	StatusFailed     MessageStatus = "FAILED"
)

const PaymentEventsTopic = "payment-events"

// Message is one durable outbox row. It is only ever written in the same
// atomic unit as the aggregate change it describes.
type Message struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Topic         string
	Key           string
	Payload       []byte
	Status        MessageStatus
	AttemptCount  int
	AvailableAt   time.Time
	PublishedAt   *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewPaymentMessage stages a payment event for the payment-events topic,
// keyed by payment id so the bus preserves per-payment ordering.
func NewPaymentMessage(event domain.PaymentEvent) (*Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Message{
		ID:            uuid.New(),
		AggregateType: "PAYMENT",
		AggregateID:   event.PaymentID,
		EventType:     event.EventType,
		Topic:         PaymentEventsTopic,
		Key:           event.PaymentID.String(),
		Payload:       payload,
		Status:        StatusPending,
		AvailableAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Store is the durable staging table. ClaimBatch must use claim-and-skip
// semantics so concurrent dispatcher instances never claim the same row.
type Store interface {
	// ClaimBatch atomically selects up to n PENDING/FAILED rows whose
	// availability time has passed, oldest first, and flips them to
	// PROCESSING. Only the oldest unpublished row per key is eligible: a
	// key whose head message is backing off or in flight yields nothing
	// until that head is published, so per-key order holds across batches.
	ClaimBatch(ctx context.Context, n int) ([]Message, error)

	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed increments the attempt count and reschedules the row per
	// the retry policy; past MaxAttempts the row stays FAILED with a long
	// cooldown for manual intervention.
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) error

	// ReclaimStuck returns rows stuck in PROCESSING longer than olderThan
	// (a dispatcher crashed mid-publish) to PENDING. Reports how many rows
	// were reclaimed.
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

// RetryPolicy schedules redelivery after publish failures.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	FailedCooldown time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    10,
		BaseDelay:      2 * time.Second,
		MaxDelay:       60 * time.Second,
		FailedCooldown: time.Hour,
	}
}

// NextDelay returns how long a row must wait before its next attempt.
// attempts is the count including the attempt that just failed. Exhausted
// rows get the long cooldown instead of another backoff step.
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts >= p.MaxAttempts {
		return p.FailedCooldown
	}
	delay := p.BaseDelay * time.Duration(1<<(attempts-1))
	if delay > p.MaxDelay || delay <= 0 {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether the row has hit the retry ceiling.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
