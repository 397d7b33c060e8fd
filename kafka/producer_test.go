package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"
)

// fakeSender records messages sent.
type fakeSender struct {
	msgs []*sarama.ProducerMessage
	err  error
}

func (f *fakeSender) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.msgs = append(f.msgs, msg)
	return 0, int64(len(f.msgs)), nil
}

func (f *fakeSender) Close() error { return nil }

func TestPublish(t *testing.T) {
	fs := &fakeSender{}
	p := NewPublisher(fs, "payment_events", zaptest.NewLogger(t))
	p.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	err := p.Publish(context.Background(), PaymentEvent{EventType: EventOrderApproved, OrderID: "TX1"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(fs.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fs.msgs))
	}

	msg := fs.msgs[0]
	if msg.Topic != "payment_events" {
		t.Errorf("expected topic payment_events, got %s", msg.Topic)
	}
	if key, _ := msg.Key.Encode(); string(key) != "TX1" {
		t.Errorf("expected key TX1, got %s", key)
	}

	raw, _ := msg.Value.Encode()
	var got PaymentEvent
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if got.EventID == "" {
		t.Error("expected generated event id")
	}
	if got.EventType != EventOrderApproved || got.OrderID != "TX1" {
		t.Errorf("unexpected event %+v", got)
	}
	if !got.OccurredAt.Equal(p.now()) {
		t.Errorf("expected occurred_at %v, got %v", p.now(), got.OccurredAt)
	}
}

func TestPublish_InjectsTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	fs := &fakeSender{}
	p := NewPublisher(fs, "payment_events", zaptest.NewLogger(t))
	if err := p.Publish(ctx, PaymentEvent{EventType: EventApprovalFailed, OrderID: "TX1"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	carrier := headerCarrier(fs.msgs[0].Headers)
	if got := carrier.Get("traceparent"); got == "" {
		t.Fatal("expected traceparent header")
	}
}

func TestPublish_SendError(t *testing.T) {
	fs := &fakeSender{err: errors.New("broker down")}
	p := NewPublisher(fs, "payment_events", zaptest.NewLogger(t))

	if err := p.Publish(context.Background(), PaymentEvent{EventType: EventPaymentRejected, OrderID: "TX1"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}
