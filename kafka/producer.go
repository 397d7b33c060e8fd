package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bridge-svc/middleware"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	EventPaymentURLIssued = "payment_url_issued"
	EventOrderApproved    = "order_approved"
	EventApprovalFailed   = "approval_failed"
	EventPaymentRejected  = "payment_rejected"
)

// PaymentEvent is published on every terminal reconciliation outcome.
type PaymentEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OrderID    string    `json:"order_id"`
	Channel    string    `json:"channel,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher is what the reconciliation engine emits events through.
type EventPublisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
	Close() error
}

// messageSender is the slice of sarama.SyncProducer the publisher needs.
type messageSender interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

func InitProducer(brokers []string, logger *zap.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka producer initialized", zap.Strings("brokers", brokers))
	return producer, nil
}

type Publisher struct {
	producer messageSender
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

func NewPublisher(producer messageSender, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{producer: producer, topic: topic, logger: logger, now: time.Now}
}

// Publish keys the message by order id so every event for one order lands
// on the same partition.
func (p *Publisher) Publish(ctx context.Context, event PaymentEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	carrier := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(event.OrderID),
		Value:   sarama.ByteEncoder(eventJSON),
		Headers: []sarama.RecordHeader(carrier),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Info("Payment event published",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("topic", p.topic),
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

// NopPublisher drops events. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, PaymentEvent) error { return nil }
func (NopPublisher) Close() error                                { return nil }

// headerCarrier adapts Kafka record headers to otel's TextMapCarrier.
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
