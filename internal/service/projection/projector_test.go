package projection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/memory"
)

var t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func initiated(t *testing.T) domain.OrderEvent {
	t.Helper()
	addr := domain.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	session := domain.CheckoutSession{
		ID: "sess-1", OrderID: "order-1", CustomerID: "cust-1", Currency: "USD",
		Lines:         []domain.CartLine{{SKU: "A", Qty: 2, UnitPriceMinor: 1000}},
		SubtotalMinor: 2000, TotalMinor: 2000,
		ShippingAddress: addr, BillingAddress: addr,
		ExpiresAt: t0.Add(15 * time.Minute),
	}
	e, err := domain.NewEvent("", "order-1", domain.EventCheckoutInitiated, domain.InitiatedPayloadOf(session, "card"), "corr-1", t0)
	require.NoError(t, err)
	return e
}

func reserved(t *testing.T) domain.OrderEvent {
	t.Helper()
	e, err := domain.NewEvent("", "order-1", domain.EventInventoryReserved, domain.InventoryReservedPayload{
		SessionID:    "sess-1",
		Reservations: []domain.ReservationRef{{ReservationID: "res-A", SKU: "A", Qty: 2, ExpiresAt: t0.Add(15 * time.Minute)}},
	}, "corr-1", t0.Add(time.Second))
	require.NoError(t, err)
	return e
}

type countingEventStore struct {
	domain.EventStore
	mu    sync.Mutex
	loads int
}

func (s *countingEventStore) Load(ctx context.Context, aggregateID string) ([]domain.OrderEvent, error) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	return s.EventStore.Load(ctx, aggregateID)
}

func TestProjector_ApplyIncrementally(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore(nil)
	store := memory.NewProjectionStore()
	projector := NewProjector(events, store, nil)

	first, err := events.Append(ctx, "order-1", 0, initiated(t))
	require.NoError(t, err)
	p, err := projector.Apply(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusInitiated, p.Status)

	second, err := events.Append(ctx, "order-1", 1, reserved(t))
	require.NoError(t, err)
	p, err = projector.Apply(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusInventoryReserved, p.Status)
	assert.Equal(t, int64(2), p.Sequence)

	stored, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Sequence)
}

func TestProjector_ApplyGapFallsBackToReplay(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore(nil)
	projector := NewProjector(events, memory.NewProjectionStore(), nil)

	appended, err := events.Append(ctx, "order-1", 0, initiated(t), reserved(t))
	require.NoError(t, err)

	// Проектор пропустил первое событие.
	p, err := projector.Apply(ctx, appended[1:])
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusInventoryReserved, p.Status)
	assert.Equal(t, "sess-1", p.SessionID)
}

func TestProjector_GetMissReplaysOnce(t *testing.T) {
	ctx := context.Background()
	base := memory.NewEventStore(nil)
	_, err := base.Append(ctx, "order-1", 0, initiated(t), reserved(t))
	require.NoError(t, err)

	events := &countingEventStore{EventStore: base}
	projector := NewProjector(events, memory.NewProjectionStore(), nil)

	p, err := projector.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusInventoryReserved, p.Status)

	_, err = projector.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, events.loads, "second read must hit the projection store")
}

func TestProjector_GetUnknownOrder(t *testing.T) {
	projector := NewProjector(memory.NewEventStore(nil), memory.NewProjectionStore(), nil)

	_, err := projector.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestProjector_VerifyDetectsStaleStoredProjection(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore(nil)
	store := memory.NewProjectionStore()
	projector := NewProjector(events, store, nil)

	_, err := events.Append(ctx, "order-1", 0, initiated(t), reserved(t))
	require.NoError(t, err)

	p, err := projector.Verify(ctx, "order-1")
	require.NoError(t, err)

	corrupted := p.Clone()
	corrupted.CustomerID = "someone-else"
	require.NoError(t, store.Save(ctx, corrupted))

	_, err = projector.Verify(ctx, "order-1")
	assert.ErrorIs(t, err, ErrNondeterministicReplay)
}
