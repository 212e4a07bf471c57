package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "checkout.order.events"
	TopicGatewayEvents   = "checkout.payment.gateway-events"
	TopicDeadLetterQueue = "checkout.dlq"
)

// Kafka headers
const (
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderCorrelationID = "x-correlation-id"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope: формат события заказа в topic checkout.order.events.
type Envelope struct {
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Sequence      int64           `json:"sequence"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// EnvelopeOf строит конверт из записи outbox.
func EnvelopeOf(msg domain.OutboxMessage) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		EventID:       msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Sequence:      msg.Sequence,
		CorrelationID: msg.CorrelationID,
		OccurredAt:    msg.OccurredAt.UTC(),
		Payload:       payload,
	}
}

// ParseEnvelope разбирает событие заказа из сообщения.
func ParseEnvelope(message *sarama.ConsumerMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(message.Value, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	return env, nil
}

// GatewayEventMessage: уведомление платёжного шлюза в topic checkout.payment.gateway-events.
type GatewayEventMessage struct {
	EventID        string    `json:"event_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reference      string    `json:"reference"`
	Status         string    `json:"status"`
	DeclineCode    string    `json:"decline_code,omitempty"`
	DeclineReason  string    `json:"decline_reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ParseGatewayEvent разбирает уведомление шлюза. Битое сообщение повторять бессмысленно,
// поэтому ошибка разбора помечена как Permanent.
func ParseGatewayEvent(message *sarama.ConsumerMessage) (domain.GatewayEvent, error) {
	var m GatewayEventMessage
	if err := json.Unmarshal(message.Value, &m); err != nil {
		return domain.GatewayEvent{}, Permanent(fmt.Errorf("failed to unmarshal gateway event: %w", err))
	}
	if m.EventID == "" {
		m.EventID = fmt.Sprintf("%s/%d/%d", message.Topic, message.Partition, message.Offset)
	}
	return domain.GatewayEvent{
		EventID:        m.EventID,
		IdempotencyKey: m.IdempotencyKey,
		Reference:      m.Reference,
		Status:         domain.PaymentStatus(m.Status),
		DeclineCode:    m.DeclineCode,
		DeclineReason:  m.DeclineReason,
		OccurredAt:     m.OccurredAt,
	}, nil
}
