package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types carried on the payment-events topic.
const (
	EventPaymentCreated        = "PAYMENT_CREATED"
	EventPaymentAuthorized     = "PAYMENT_AUTHORIZED"
	EventPaymentAuthRequired   = "PAYMENT_AUTHENTICATION_REQUIRED"
	EventPaymentCaptured       = "PAYMENT_CAPTURED"
	EventPaymentVoided         = "PAYMENT_VOIDED"
	EventPaymentRefunded       = "PAYMENT_REFUNDED"
	EventPaymentFailed         = "PAYMENT_FAILED"
	EventPaymentDeclined       = "PAYMENT_DECLINED"
	EventPaymentExpired        = "PAYMENT_EXPIRED"
)

// PaymentEvent is the wire payload published for every payment state change.
// Amount is in the currency's minor units; consumers must assume
// at-least-once, per-key-ordered-only delivery.
type PaymentEvent struct {
	EventID        string            `json:"eventId"`
	EventType      string            `json:"eventType"`
	PaymentID      uuid.UUID         `json:"paymentId"`
	MerchantID     uuid.UUID         `json:"merchantId"`
	CustomerID     uuid.UUID         `json:"customerId"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	PreviousStatus string            `json:"previousStatus"`
	FraudScore     *int              `json:"fraudScore,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// NewPaymentEvent snapshots a payment into its event payload.
func NewPaymentEvent(eventType string, p *Payment, previousStatus Status) PaymentEvent {
	return PaymentEvent{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		PaymentID:      p.ID,
		MerchantID:     p.MerchantID,
		CustomerID:     p.CustomerID,
		Amount:         p.Amount.MinorUnits(),
		Currency:       p.Amount.Currency,
		Status:         string(p.Status),
		PreviousStatus: string(previousStatus),
		FraudScore:     p.FraudScore,
		Metadata:       p.Metadata,
		Timestamp:      time.Now().UTC(),
	}
}
