package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// EventStore: журнал событий заказов в таблице order_events.
// Публикуемые события записываются в outbox_messages той же транзакцией.
type EventStore struct {
	store *Store
}

// NewEventStore создаёт PostgreSQL-реализацию EventStore.
func NewEventStore(store *Store) *EventStore {
	return &EventStore{store: store}
}

// Append сериализует запись по агрегату через pg_advisory_xact_lock и сверяет
// последний номер с expectedSequence. Уникальный индекс (aggregate_id, sequence)
// страхует от гонки, если блокировку кто-то обошёл.
func (s *EventStore) Append(ctx context.Context, aggregateID string, expectedSequence int64, events ...domain.OrderEvent) ([]domain.OrderEvent, error) {
	if aggregateID == "" {
		return nil, domain.NewValidationError(domain.ErrSessionIDRequired)
	}
	if len(events) == 0 {
		return nil, nil
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	appended := make([]domain.OrderEvent, 0, len(events))
	err := s.store.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, aggregateID); err != nil {
			return fmt.Errorf("lock aggregate %s: %w", aggregateID, err)
		}

		actual, err := lastSequence(ctx, tx, aggregateID)
		if err != nil {
			return err
		}
		if actual != expectedSequence {
			return &domain.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedSequence, Actual: actual}
		}

		now := time.Now().UTC()
		for i, e := range events {
			e.AggregateID = aggregateID
			e.Sequence = expectedSequence + int64(i) + 1
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.OccurredAt.IsZero() {
				e.OccurredAt = now
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO order_events (
					id, aggregate_id, sequence, event_type, payload, correlation_id, occurred_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, e.ID, e.AggregateID, e.Sequence, string(e.Type), e.Payload, e.CorrelationID, e.OccurredAt); err != nil {
				if isUniqueViolation(err) {
					return &domain.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedSequence, Actual: e.Sequence}
				}
				return fmt.Errorf("insert event %s #%d: %w", e.Type, e.Sequence, err)
			}

			if e.Type.Published() {
				if err := enqueueOutbox(ctx, tx, domain.OutboxMessageOf(e), now); err != nil {
					return err
				}
			}
			appended = append(appended, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return appended, nil
}

// Load возвращает события агрегата по возрастанию Sequence.
func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]domain.OrderEvent, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := s.store.db.Query(ctx, `
		SELECT id, aggregate_id, sequence, event_type, payload, correlation_id, occurred_at
		FROM order_events
		WHERE aggregate_id = $1
		ORDER BY sequence
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []domain.OrderEvent
	for rows.Next() {
		var (
			e         domain.OrderEvent
			eventType string
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Sequence, &eventType, &e.Payload, &e.CorrelationID, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = domain.EventType(eventType)
		e.OccurredAt = e.OccurredAt.UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return result, nil
}

// ListAggregateIDs возвращает идентификаторы заказов после afterID в лексикографическом порядке.
func (s *EventStore) ListAggregateIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := s.store.db.Query(ctx, `
		SELECT aggregate_id
		FROM order_events
		WHERE sequence = 1 AND aggregate_id > $1
		ORDER BY aggregate_id
		LIMIT $2
	`, afterID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("query aggregate ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aggregate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate ids: %w", err)
	}

	return ids, nil
}

func lastSequence(ctx context.Context, q querier, aggregateID string) (int64, error) {
	var last int64
	if err := q.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM order_events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return last, nil
}

var _ domain.EventStore = (*EventStore)(nil)
