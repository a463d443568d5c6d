package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/money"
	"github.com/punchamoorthee/payflow/internal/outbox"
)

// MinimumAmountMinorUnits is the smallest chargeable amount.
const MinimumAmountMinorUnits = 50

// Store is the durable state the command service operates on. Every method
// is one atomic unit; UpdatePayment in particular holds an exclusive row
// lock for the duration of fn, serializing capture/void/refund per payment.
type Store interface {
	// CreatePayment inserts the payment, its audit records and the staged
	// outbox message atomically. A duplicate idempotency key returns
	// domain.ErrDuplicateIdempotencyKey.
	CreatePayment(ctx context.Context, p *domain.Payment, msg *outbox.Message) error

	// FindByIdempotencyKey returns (nil, nil) when no payment has the key.
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)

	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)

	// UpdatePayment loads the payment (with refunds) under an exclusive
	// lock, runs fn, then persists the aggregate, any new refunds and audit
	// records, and the returned outbox message in the same transaction.
	// An error from fn rolls everything back. The persisted write bumps the
	// optimistic version; a stale version surfaces as ErrVersionConflict.
	UpdatePayment(ctx context.Context, id uuid.UUID, fn func(p *domain.Payment) (*outbox.Message, error)) (*domain.Payment, error)

	GetOrCreateCustomer(ctx context.Context, email, name string) (uuid.UUID, error)

	// ListExpiredAuthorizations returns ids of AUTHORIZED payments whose
	// authorization predates cutoff.
	ListExpiredAuthorizations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

type CreatePaymentRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"paymentMethod"`
	Capture       bool              `json:"capture"`
	CustomerEmail string            `json:"customerEmail"`
	CustomerName  string            `json:"customerName"`
	Metadata      map[string]string `json:"metadata"`
}

// PaymentResult is what create/authorize hand back: the payment, an optional
// customer action, and whether this was an idempotent replay.
type PaymentResult struct {
	Payment    *domain.Payment
	NextAction *NextAction
	Replayed   bool
}

type PaymentService struct {
	store     Store
	processor Processor
	fraud     FraudScorer
	logger    logging.Logger
}

func NewPaymentService(store Store, processor Processor, fraud FraudScorer, logger logging.Logger) *PaymentService {
	return &PaymentService{store: store, processor: processor, fraud: fraud, logger: logger}
}

// CreatePayment runs the full creation flow: idempotency probe, validation,
// customer resolution, fraud assessment, processor authorization and
// optional immediate capture. A replayed idempotency key returns the
// original payment with zero new side effects.
func (s *PaymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest, idempotencyKey string, merchantID uuid.UUID) (*PaymentResult, error) {
	existing, err := s.store.FindByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Info("idempotent replay", map[string]any{"idempotency_key": idempotencyKey, "payment_id": existing.ID})
		return &PaymentResult{Payment: existing, Replayed: true}, nil
	}

	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	customerID, err := s.store.GetOrCreateCustomer(ctx, req.CustomerEmail, req.CustomerName)
	if err != nil {
		return nil, err
	}

	amount, err := money.FromMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, domain.NewValidationError("invalid_currency", "%v", err)
	}

	metadata := map[string]string{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["auto_capture_requested"] = strconv.FormatBool(req.Capture)
	if req.CustomerEmail != "" {
		metadata["customer_email"] = req.CustomerEmail
	}

	p := domain.NewPayment(merchantID, customerID, idempotencyKey, amount, metadata)

	msg, err := paymentMessage(domain.EventPaymentCreated, p, "")
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePayment(ctx, p, msg); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// Lost a race against a concurrent duplicate submission; the
			// winner's payment is the canonical result.
			winner, ferr := s.store.FindByIdempotencyKey(ctx, idempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			if winner != nil {
				return &PaymentResult{Payment: winner, Replayed: true}, nil
			}
		}
		return nil, err
	}
	s.logger.Info("payment created", map[string]any{"payment_id": p.ID, "amount": amount.String()})

	score, err := s.fraud.AssessRisk(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("fraud assessment: %w", err)
	}

	if score >= FraudDeclineThreshold {
		declined, err := s.store.UpdatePayment(ctx, p.ID, func(p *domain.Payment) (*outbox.Message, error) {
			p.FraudScore = &score
			prev := p.Status
			if err := p.MarkDeclined(fmt.Sprintf("high fraud score: %d", score)); err != nil {
				return nil, err
			}
			return paymentMessage(domain.EventPaymentDeclined, p, prev)
		})
		if err != nil {
			return nil, err
		}
		s.logger.Error("payment declined by fraud screen", map[string]any{"payment_id": p.ID, "score": score})
		return &PaymentResult{Payment: declined}, nil
	}

	authResult, authErr := s.processor.Authorize(ctx, p)

	if authErr != nil {
		var procErr *domain.ProcessorError
		if errors.As(authErr, &procErr) {
			if _, err := s.store.UpdatePayment(ctx, p.ID, func(p *domain.Payment) (*outbox.Message, error) {
				p.FraudScore = &score
				prev := p.Status
				if err := p.MarkFailed(procErr.Msg, procErr.Code); err != nil {
					return nil, err
				}
				return paymentMessage(domain.EventPaymentFailed, p, prev)
			}); err != nil {
				return nil, err
			}
		}
		// Never swallowed: the caller sees the processor failure.
		return nil, authErr
	}

	if authResult.NextAction != nil {
		pending, err := s.store.UpdatePayment(ctx, p.ID, func(p *domain.Payment) (*outbox.Message, error) {
			p.FraudScore = &score
			p.NoteAuthenticationRequired(s.processor.Name(), authResult.ProcessorRef)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		return &PaymentResult{Payment: pending, NextAction: authResult.NextAction}, nil
	}

	authorized, err := s.store.UpdatePayment(ctx, p.ID, func(p *domain.Payment) (*outbox.Message, error) {
		p.FraudScore = &score
		prev := p.Status
		if err := p.Authorize(s.processor.Name(), authResult.ProcessorRef); err != nil {
			return nil, err
		}
		return paymentMessage(domain.EventPaymentAuthorized, p, prev)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment authorized", map[string]any{"payment_id": p.ID, "processor_ref": authResult.ProcessorRef})

	if req.Capture {
		captured, err := s.CapturePayment(ctx, p.ID, nil)
		if err != nil {
			return nil, err
		}
		return &PaymentResult{Payment: captured}, nil
	}

	return &PaymentResult{Payment: authorized}, nil
}

// CapturePayment captures an authorized payment, optionally for a partial
// amount. The row lock is held across the processor call; a processor
// failure rolls back, leaving the payment AUTHORIZED and the capture
// safely retryable.
func (s *PaymentService) CapturePayment(ctx context.Context, id uuid.UUID, amountMinorUnits *int64) (*domain.Payment, error) {
	return s.store.UpdatePayment(ctx, id, func(p *domain.Payment) (*outbox.Message, error) {
		if !p.CanTransitionTo(domain.StatusCaptured) {
			return nil, &domain.TransitionError{From: p.Status, To: domain.StatusCaptured}
		}

		captureAmount := p.Amount
		if amountMinorUnits != nil {
			var err error
			captureAmount, err = money.FromMinorUnits(*amountMinorUnits, p.Amount.Currency)
			if err != nil {
				return nil, domain.NewValidationError("invalid_amount", "%v", err)
			}
			over, err := captureAmount.GreaterThan(p.Amount)
			if err != nil {
				return nil, err
			}
			if over {
				return nil, domain.NewValidationError("capture_exceeds_authorized",
					"capture amount %s exceeds authorized amount %s", captureAmount, p.Amount)
			}
		}

		if err := s.processor.Capture(ctx, p.ProcessorRef, captureAmount); err != nil {
			return nil, err
		}

		prev := p.Status
		if err := p.Capture(); err != nil {
			return nil, err
		}
		return paymentMessage(domain.EventPaymentCaptured, p, prev)
	})
}

// VoidPayment cancels an authorization before capture.
func (s *PaymentService) VoidPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.store.UpdatePayment(ctx, id, func(p *domain.Payment) (*outbox.Message, error) {
		if !p.CanTransitionTo(domain.StatusVoid) {
			return nil, &domain.TransitionError{From: p.Status, To: domain.StatusVoid}
		}
		if err := s.processor.Void(ctx, p.ProcessorRef); err != nil {
			return nil, err
		}
		prev := p.Status
		if err := p.Void(); err != nil {
			return nil, err
		}
		return paymentMessage(domain.EventPaymentVoided, p, prev)
	})
}

// RefundPayment refunds a captured payment, fully when amountMinorUnits is
// nil. The refundable bound is checked before the processor is called. A
// processor failure is persisted as a FAILED refund and rethrown.
func (s *PaymentService) RefundPayment(ctx context.Context, id uuid.UUID, amountMinorUnits *int64, reason string) (*domain.Refund, error) {
	var applied *domain.Refund
	var failed *domain.Refund

	_, err := s.store.UpdatePayment(ctx, id, func(p *domain.Payment) (*outbox.Message, error) {
		if p.Status != domain.StatusCaptured && p.Status != domain.StatusPartiallyRefunded {
			return nil, &domain.TransitionError{From: p.Status, To: domain.StatusRefunded}
		}

		remaining := p.RemainingRefundable()
		refundAmount := remaining
		if amountMinorUnits != nil {
			var err error
			refundAmount, err = money.FromMinorUnits(*amountMinorUnits, p.Amount.Currency)
			if err != nil {
				return nil, domain.NewValidationError("invalid_amount", "%v", err)
			}
		}
		if !refundAmount.IsPositive() {
			return nil, domain.NewValidationError("invalid_amount", "refund amount must be positive")
		}
		over, err := refundAmount.GreaterThan(remaining)
		if err != nil {
			return nil, err
		}
		if over {
			return nil, domain.NewValidationError("refund_exceeds_refundable",
				"refund amount %s exceeds remaining refundable amount %s", refundAmount, remaining)
		}

		refund := domain.Refund{
			ID:        uuid.New(),
			PaymentID: p.ID,
			Amount:    refundAmount,
			Reason:    reason,
			Status:    domain.RefundPending,
			CreatedAt: time.Now().UTC(),
		}

		processorRefundID, err := s.processor.Refund(ctx, p.ProcessorRef, refundAmount)
		if err != nil {
			refund.Status = domain.RefundFailed
			refund.FailureReason = err.Error()
			now := time.Now().UTC()
			refund.FailedAt = &now
			failed = &refund
			return nil, err
		}

		now := time.Now().UTC()
		refund.Status = domain.RefundSucceeded
		refund.ProcessorRefundID = processorRefundID
		refund.CompletedAt = &now

		prev := p.Status
		if err := p.ApplyRefund(refund); err != nil {
			return nil, err
		}
		applied = &refund

		event := domain.NewPaymentEvent(domain.EventPaymentRefunded, p, prev)
		event.Metadata = withRefundMetadata(event.Metadata, refund)
		return outbox.NewPaymentMessage(event)
	})
	if err != nil {
		if failed != nil {
			// The rejected transaction rolled the refund row back; persist
			// the failure on its own so the attempt is visible.
			if _, werr := s.store.UpdatePayment(ctx, id, func(p *domain.Payment) (*outbox.Message, error) {
				p.Refunds = append(p.Refunds, *failed)
				return nil, nil
			}); werr != nil {
				s.logger.Error("failed to record failed refund", map[string]any{"payment_id": id, "error": werr.Error()})
			}
		}
		return nil, err
	}

	s.logger.Info("refund succeeded", map[string]any{"payment_id": id, "refund_id": applied.ID, "amount": applied.Amount.String()})
	return applied, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

func paymentMessage(eventType string, p *domain.Payment, prev domain.Status) (*outbox.Message, error) {
	return outbox.NewPaymentMessage(domain.NewPaymentEvent(eventType, p, prev))
}

func withRefundMetadata(metadata map[string]string, refund domain.Refund) map[string]string {
	out := map[string]string{}
	for k, v := range metadata {
		out[k] = v
	}
	out["refundId"] = refund.ID.String()
	out["refundAmount"] = strconv.FormatInt(refund.Amount.MinorUnits(), 10)
	return out
}

func validateCreateRequest(req CreatePaymentRequest) error {
	if req.Amount < MinimumAmountMinorUnits {
		return domain.NewValidationError("amount_too_small",
			"amount must be at least %d minor units", MinimumAmountMinorUnits)
	}
	if len(req.Currency) != 3 {
		return domain.NewValidationError("invalid_currency", "invalid currency code: %q", req.Currency)
	}
	if req.PaymentMethod == "" {
		return domain.NewValidationError("payment_method_required", "payment method is required")
	}
	return nil
}
