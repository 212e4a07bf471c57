package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-123" {
			return fmt.Errorf("message must be keyed by aggregate id, got %s", key)
		}
		headers := headersOf(msg)
		if headers[HeaderEventType] != string(domain.EventOrderConfirmed) || headers[HeaderCorrelationID] != "corr-1" {
			return fmt.Errorf("unexpected headers %v", headers)
		}

		value, _ := msg.Value.Encode()
		var env Envelope
		if err := json.Unmarshal(value, &env); err != nil {
			return err
		}
		if env.EventID != "evt-1" || env.AggregateID != "order-123" || env.Sequence != 5 ||
			env.CorrelationID != "corr-1" || !env.OccurredAt.Equal(occurred) {
			return fmt.Errorf("unexpected envelope %+v", env)
		}
		if string(env.Payload) != `{"payment_id":"p-1"}` {
			return fmt.Errorf("unexpected payload %s", env.Payload)
		}
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer), "")
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "evt-1",
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-123",
		EventType:     string(domain.EventOrderConfirmed),
		Sequence:      5,
		CorrelationID: "corr-1",
		Payload:       []byte(`{"payment_id":"p-1"}`),
		OccurredAt:    occurred,
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer), TopicOrderEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:          "evt-2",
		AggregateID: "order-234",
		EventType:   string(domain.EventOrderCancelled),
		Payload:     []byte(`{"reason":"session_expired"}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicOrderEvents)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "evt-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestEnvelopeOf_EmptyPayload(t *testing.T) {
	env := EnvelopeOf(domain.OutboxMessage{ID: "evt-4"})
	if string(env.Payload) != "null" {
		t.Fatalf("empty payload must encode as null, got %s", env.Payload)
	}
	if _, err := json.Marshal(env); err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
}

func TestParseEnvelope(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: []byte(`{"event_id":"e","aggregate_id":"o","event_type":"OrderConfirmed","sequence":3,"payload":{}}`)}
	env, err := ParseEnvelope(msg)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.Sequence != 3 || env.AggregateID != "o" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if _, err := ParseEnvelope(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected ParseEnvelope error")
	}
}
