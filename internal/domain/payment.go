package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/money"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusAuthorized        Status = "AUTHORIZED"
	StatusCaptured          Status = "CAPTURED"
	StatusVoid              Status = "VOID"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusFailed            Status = "FAILED"
	StatusDeclined          Status = "DECLINED"
	StatusExpired           Status = "EXPIRED"
)

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

// allowedTransitions is the complete state machine. Anything not listed here
// is an illegal transition; terminal states have no entry at all.
var allowedTransitions = map[Status][]Status{
	StatusPending:           {StatusAuthorized, StatusFailed, StatusDeclined},
	StatusAuthorized:        {StatusCaptured, StatusVoid, StatusExpired, StatusFailed},
	StatusCaptured:          {StatusRefunded, StatusPartiallyRefunded},
	StatusPartiallyRefunded: {StatusRefunded},
}

// AllowedNextStatuses returns the targets reachable from s. The returned
// slice is shared; callers must not mutate it.
func AllowedNextStatuses(s Status) []Status {
	return allowedTransitions[s]
}

// AuditRecord is an immutable trace of a single status change.
type AuditRecord struct {
	ID             uuid.UUID
	PaymentID      uuid.UUID
	EventType      string
	PreviousStatus string
	NewStatus      string
	CreatedAt      time.Time
}

// Refund belongs to a payment by id; it is loaded explicitly, never traversed
// as a live object graph.
type Refund struct {
	ID                uuid.UUID
	PaymentID         uuid.UUID
	Amount            money.Money
	Reason            string
	Status            RefundStatus
	ProcessorRefundID string
	FailureReason     string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	FailedAt          *time.Time
}

// Payment is the aggregate root for a single payment's lifecycle. It is
// pure state and transition rules; all I/O lives in the stores and services.
type Payment struct {
	ID             uuid.UUID
	MerchantID     uuid.UUID
	CustomerID     uuid.UUID
	IdempotencyKey string
	Amount         money.Money
	Status         Status
	ProcessorName  string
	ProcessorRef   string
	FraudScore     *int
	Metadata       map[string]string
	FailureReason  string
	FailureCode    string

	// Version is the optimistic concurrency counter; stores bump it on every
	// persisted mutation and fail with ErrVersionConflict on a stale write.
	Version int64

	CreatedAt    time.Time
	UpdatedAt    time.Time
	AuthorizedAt *time.Time
	CapturedAt   *time.Time

	Refunds []Refund

	// audit accumulates records for transitions applied since load; stores
	// persist and drain it on write.
	audit []AuditRecord
}

func NewPayment(merchantID, customerID uuid.UUID, idempotencyKey string, amount money.Money, metadata map[string]string) *Payment {
	if metadata == nil {
		metadata = map[string]string{}
	}
	now := time.Now().UTC()
	p := &Payment{
		ID:             uuid.New(),
		MerchantID:     merchantID,
		CustomerID:     customerID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Status:         StatusPending,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	p.recordAudit(EventPaymentCreated, "", StatusPending)
	return p
}

func (p *Payment) CanTransitionTo(target Status) bool {
	for _, s := range allowedTransitions[p.Status] {
		if s == target {
			return true
		}
	}
	return false
}

func (p *Payment) transition(target Status, eventType string) error {
	if !p.CanTransitionTo(target) {
		return &TransitionError{From: p.Status, To: target}
	}
	prev := p.Status
	p.Status = target
	p.UpdatedAt = time.Now().UTC()
	p.recordAudit(eventType, prev, target)
	return nil
}

func (p *Payment) Authorize(processorName, processorRef string) error {
	if err := p.transition(StatusAuthorized, EventPaymentAuthorized); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.AuthorizedAt = &now
	p.ProcessorName = processorName
	p.ProcessorRef = processorRef
	return nil
}

func (p *Payment) Capture() error {
	if err := p.transition(StatusCaptured, EventPaymentCaptured); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CapturedAt = &now
	return nil
}

func (p *Payment) Void() error {
	return p.transition(StatusVoid, EventPaymentVoided)
}

// NoteAuthenticationRequired records that the processor asked for a customer
// authentication step. The payment stays PENDING; the processor reference is
// kept so the follow-up confirmation can resume the authorization.
func (p *Payment) NoteAuthenticationRequired(processorName, processorRef string) {
	p.ProcessorName = processorName
	p.ProcessorRef = processorRef
	p.UpdatedAt = time.Now().UTC()
	p.recordAudit(EventPaymentAuthRequired, p.Status, p.Status)
}

func (p *Payment) MarkExpired() error {
	return p.transition(StatusExpired, EventPaymentExpired)
}

func (p *Payment) MarkFailed(reason, code string) error {
	if err := p.transition(StatusFailed, EventPaymentFailed); err != nil {
		return err
	}
	p.FailureReason = reason
	p.FailureCode = code
	return nil
}

func (p *Payment) MarkDeclined(reason string) error {
	if err := p.transition(StatusDeclined, EventPaymentDeclined); err != nil {
		return err
	}
	p.FailureReason = reason
	return nil
}

// RemainingRefundable derives the amount still open for refund from the
// succeeded refunds only. Pending and failed refunds do not reduce it.
func (p *Payment) RemainingRefundable() money.Money {
	if p.Status != StatusCaptured && p.Status != StatusPartiallyRefunded && p.Status != StatusRefunded {
		return money.Zero(p.Amount.Currency)
	}
	total := money.Zero(p.Amount.Currency)
	for _, r := range p.Refunds {
		if r.Status != RefundSucceeded {
			continue
		}
		total, _ = total.Add(r.Amount)
	}
	remaining, _ := p.Amount.Sub(total)
	return remaining
}

// ApplyRefund records a succeeded refund and recomputes the derived status.
// Applying a refund id that is already present is a no-op, so a replayed
// refund never double-subtracts.
func (p *Payment) ApplyRefund(refund Refund) error {
	if p.Status != StatusCaptured && p.Status != StatusPartiallyRefunded {
		return &TransitionError{From: p.Status, To: StatusRefunded}
	}
	for _, existing := range p.Refunds {
		if existing.ID == refund.ID {
			return nil
		}
	}
	p.Refunds = append(p.Refunds, refund)

	prev := p.Status
	if p.RemainingRefundable().IsZero() {
		p.Status = StatusRefunded
	} else {
		p.Status = StatusPartiallyRefunded
	}
	p.UpdatedAt = time.Now().UTC()
	p.recordAudit(EventPaymentRefunded, prev, p.Status)
	return nil
}

func (p *Payment) recordAudit(eventType string, prev, next Status) {
	p.audit = append(p.audit, AuditRecord{
		ID:             uuid.New(),
		PaymentID:      p.ID,
		EventType:      eventType,
		PreviousStatus: string(prev),
		NewStatus:      string(next),
		CreatedAt:      time.Now().UTC(),
	})
}

// DrainAudit returns the audit records accumulated since load and clears
// them. Stores call this when persisting the aggregate.
func (p *Payment) DrainAudit() []AuditRecord {
	out := p.audit
	p.audit = nil
	return out
}

// PendingAudit exposes unpersisted audit records without draining them.
func (p *Payment) PendingAudit() []AuditRecord {
	return p.audit
}
