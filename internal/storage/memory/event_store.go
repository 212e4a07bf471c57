package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// EventStore: in-memory журнал событий заказов. Публикуемые события попадают
// в outbox под тем же мьютексом, что и запись в журнал.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]domain.OrderEvent
	outbox  *OutboxRepository
}

// NewEventStore создаёт журнал. outbox может быть nil, тогда события не публикуются.
func NewEventStore(outbox *OutboxRepository) *EventStore {
	return &EventStore{
		streams: make(map[string][]domain.OrderEvent),
		outbox:  outbox,
	}
}

// Append дописывает события с проверкой ожидаемого номера последнего события.
func (s *EventStore) Append(_ context.Context, aggregateID string, expectedSequence int64, events ...domain.OrderEvent) ([]domain.OrderEvent, error) {
	if aggregateID == "" {
		return nil, domain.NewValidationError(domain.ErrSessionIDRequired)
	}
	if len(events) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	actual := int64(len(stream))
	if actual != expectedSequence {
		return nil, &domain.ConcurrencyConflictError{
			AggregateID: aggregateID,
			Expected:    expectedSequence,
			Actual:      actual,
		}
	}

	appended := make([]domain.OrderEvent, 0, len(events))
	for i, e := range events {
		e.AggregateID = aggregateID
		e.Sequence = expectedSequence + int64(i) + 1
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		e.Payload = append([]byte(nil), e.Payload...)
		appended = append(appended, e)
	}

	s.streams[aggregateID] = append(stream, appended...)

	if s.outbox != nil {
		s.outbox.mu.Lock()
		for _, e := range appended {
			if e.Type.Published() {
				s.outbox.enqueueLocked(domain.OutboxMessageOf(e))
			}
		}
		s.outbox.mu.Unlock()
	}

	return cloneEvents(appended), nil
}

// Load возвращает события агрегата по возрастанию Sequence.
func (s *EventStore) Load(_ context.Context, aggregateID string) ([]domain.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneEvents(s.streams[aggregateID]), nil
}

// ListAggregateIDs возвращает идентификаторы заказов в лексикографическом порядке после afterID.
func (s *EventStore) ListAggregateIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func cloneEvents(src []domain.OrderEvent) []domain.OrderEvent {
	if len(src) == 0 {
		return nil
	}
	dst := make([]domain.OrderEvent, len(src))
	for i, e := range src {
		e.Payload = append([]byte(nil), e.Payload...)
		dst[i] = e
	}
	return dst
}

var _ domain.EventStore = (*EventStore)(nil)
