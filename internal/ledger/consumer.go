package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/logging"
)

var (
	eventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_ledger_events_consumed_total",
		Help: "Payment events handled by the ledger consumer.",
	}, []string{"event_type"})
	eventsEscalated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_ledger_events_escalated_total",
		Help: "Events dropped after a fatal consistency violation.",
	})
)

// InboundMessage is one delivery from the bus, with enough position
// information to build a dedup key when the payload carries no event id.
type InboundMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// Consumer applies payment events to the ledger exactly once in effect.
// Deduplication is keyed on the event id when present, otherwise on the
// message's topic, partition and offset.
type Consumer struct {
	ledger *Service
	logger logging.Logger
}

func NewConsumer(ledger *Service, logger logging.Logger) *Consumer {
	return &Consumer{ledger: ledger, logger: logger}
}

// Handle processes one delivery. A nil return means the message may be
// committed. Transient errors propagate so the bus redelivers; a
// ConsistencyViolation is escalated and the message committed, because
// retrying an unbalanced group can never succeed.
func (c *Consumer) Handle(ctx context.Context, msg InboundMessage) error {
	var event domain.PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Poison payload. Committing is the only way forward.
		c.logger.Error("undecodable payment event", map[string]any{
			"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset, "error": err.Error(),
		})
		return nil
	}

	dedupKey := DedupKey(msg, event)

	var err error
	switch event.EventType {
	case domain.EventPaymentCaptured:
		err = c.ledger.RecordCapture(ctx, dedupKey, event)
	case domain.EventPaymentRefunded:
		refundAmount, convErr := refundAmountFrom(event)
		if convErr != nil {
			c.logger.Error("refund event missing amount", map[string]any{"event_id": event.EventID, "error": convErr.Error()})
			return nil
		}
		err = c.ledger.RecordRefund(ctx, dedupKey, event, refundAmount)
	default:
		// Lifecycle events with no monetary effect.
		return nil
	}

	if err != nil {
		var violation *domain.ConsistencyViolation
		if errors.As(err, &violation) {
			eventsEscalated.Inc()
			c.logger.Error("consistency violation, event escalated", map[string]any{
				"event_id": event.EventID, "payment_id": event.PaymentID, "error": violation.Error(),
			})
			return nil
		}
		return err
	}

	eventsConsumed.WithLabelValues(event.EventType).Inc()
	return nil
}

// DedupKey builds the idempotent-consumption key for a delivery.
func DedupKey(msg InboundMessage, event domain.PaymentEvent) string {
	if event.EventID != "" {
		return msg.Topic + ":eventId:" + event.EventID
	}
	return fmt.Sprintf("%s:offset:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}

// refundAmountFrom reads the refunded amount off the event metadata. The
// event's Amount field carries the original payment amount, not the slice
// being refunded.
func refundAmountFrom(event domain.PaymentEvent) (int64, error) {
	raw, ok := event.Metadata["refundAmount"]
	if !ok {
		return 0, fmt.Errorf("event %s has no refundAmount metadata", event.EventID)
	}
	return strconv.ParseInt(raw, 10, 64)
}
