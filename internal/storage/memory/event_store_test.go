package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/memory"
)

func mustEvent(t *testing.T, eventType domain.EventType, payload any) domain.OrderEvent {
	t.Helper()
	e, err := domain.NewEvent("", "order-1", eventType, payload, "corr-1", time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return e
}

func TestEventStore_AppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore(nil)

	appended, err := store.Append(ctx, "order-1", 0,
		mustEvent(t, domain.EventCheckoutInitiated, domain.CheckoutInitiatedPayload{SessionID: "sess-1"}),
		mustEvent(t, domain.EventPaymentRequested, domain.PaymentRequestedPayload{IdempotencyKey: "sess-1"}),
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if appended[0].Sequence != 1 || appended[1].Sequence != 2 {
		t.Fatalf("unexpected sequences %d,%d", appended[0].Sequence, appended[1].Sequence)
	}

	loaded, _ := store.Load(ctx, "order-1")
	if len(loaded) != 2 || loaded[1].ID == "" {
		t.Fatalf("unexpected stream: %+v", loaded)
	}
}

func TestEventStore_ConflictOnStaleSequence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore(nil)

	if _, err := store.Append(ctx, "order-1", 0, mustEvent(t, domain.EventCheckoutInitiated, struct{}{})); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := store.Append(ctx, "order-1", 0, mustEvent(t, domain.EventCheckoutInitiated, struct{}{}))
	var conflict *domain.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}
}

func TestEventStore_ConcurrentAppendsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore(nil)

	event := mustEvent(t, domain.EventCheckoutInitiated, struct{}{})
	const writers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, "order-1", 0, event)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !domain.IsConcurrencyConflict(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	events, _ := store.Load(ctx, "order-1")
	if len(events) != 1 {
		t.Fatalf("expected single event, got %d", len(events))
	}
}

func TestEventStore_PublishedEventsGoToOutbox(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	store := memory.NewEventStore(outbox)

	_, err := store.Append(ctx, "order-1", 0,
		mustEvent(t, domain.EventCheckoutInitiated, struct{}{}),
		mustEvent(t, domain.EventInventoryReserved, domain.InventoryReservedPayload{SessionID: "sess-1"}),
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	pending := outbox.AllPending()
	if len(pending) != 1 {
		t.Fatalf("expected only the published event in outbox, got %d", len(pending))
	}
	msg := pending[0]
	if msg.EventType != string(domain.EventInventoryReserved) || msg.Sequence != 2 || msg.CorrelationID != "corr-1" {
		t.Fatalf("unexpected outbox message: %+v", msg)
	}
}

func TestEventStore_ListAggregateIDs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore(nil)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := store.Append(ctx, id, 0, mustEvent(t, domain.EventCheckoutInitiated, struct{}{})); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}

	ids, _ := store.ListAggregateIDs(ctx, "a", 10)
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "c" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
