package domain

import "time"

// OutboxStatus: статус записи transactional outbox.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Sequence      int64
	CorrelationID string
	Payload       []byte
	OccurredAt    time.Time
}

// OutboxMessageOf строит запись outbox из события журнала. ID совпадает с ID события,
// поэтому повторная публикация дедуплицируется потребителем.
func OutboxMessageOf(e OrderEvent) OutboxMessage {
	return OutboxMessage{
		ID:            e.ID,
		AggregateType: AggregateTypeOrder,
		AggregateID:   e.AggregateID,
		EventType:     string(e.Type),
		Sequence:      e.Sequence,
		CorrelationID: e.CorrelationID,
		Payload:       append([]byte(nil), e.Payload...),
		OccurredAt:    e.OccurredAt,
	}
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
