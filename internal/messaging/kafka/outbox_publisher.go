package kafka

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Publish отправляет событие заказа с key = id агрегата, чтобы события
// одного заказа читались в порядке Sequence.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}

	return p.producer.PublishJSON(ctx, p.topic, key, EnvelopeOf(msg), map[string]string{
		HeaderEventID:       msg.ID,
		HeaderEventType:     msg.EventType,
		HeaderCorrelationID: msg.CorrelationID,
	})
}

// Topic возвращает topic публикации.
func (p *OutboxTopicPublisher) Topic() string { return p.topic }

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
