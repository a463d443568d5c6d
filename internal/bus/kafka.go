package bus

import (
	"context"
	"time"

	"github.com/punchamoorthee/payflow/internal/ledger"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes outbox payloads to Kafka. The hash balancer routes
// every message for one key to the same partition, which is what keeps
// per-payment ordering intact downstream.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MessageHandler processes one delivery; a nil return commits the offset.
type MessageHandler interface {
	Handle(ctx context.Context, msg ledger.InboundMessage) error
}

// KafkaConsumer pulls from one topic within a consumer group and feeds each
// message to the handler. Offsets are committed only after the handler
// returns nil, so an aborted posting is redelivered.
type KafkaConsumer struct {
	reader  *kafka.Reader
	handler MessageHandler
	logger  logging.Logger
}

func NewKafkaConsumer(brokers []string, topic, groupID string, handler MessageHandler, logger logging.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		}),
		handler: handler,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled or the reader fails permanently.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		inbound := ledger.InboundMessage{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
		}
		// Retry in place rather than skipping ahead: processing the next
		// message before this one commits would break per-key ordering.
		if err := c.handleWithRetry(ctx, inbound); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("offset commit failed", map[string]any{
				"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset, "error": err.Error(),
			})
		}
	}
}

func (c *KafkaConsumer) handleWithRetry(ctx context.Context, msg ledger.InboundMessage) error {
	backoff := time.Second
	for {
		err := c.handler.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		c.logger.Error("message handling failed, retrying", map[string]any{
			"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset, "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
