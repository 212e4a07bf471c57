package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/memory"
)

func newSession(id string, expiresAt time.Time) domain.CheckoutSession {
	return domain.CheckoutSession{
		ID:         id,
		OrderID:    "order-" + id,
		CustomerID: "cust-1",
		Currency:   "USD",
		Lines:      []domain.CartLine{{SKU: "A", Qty: 1, UnitPriceMinor: 100}},
		Status:     domain.SessionStatusPending,
		ExpiresAt:  expiresAt,
	}
}

func TestSessionStore_CreateGetAndStatus(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore()
	s := newSession("s1", time.Now().Add(time.Minute))

	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, s); !errors.Is(err, domain.ErrSessionAlreadyExists) {
		t.Fatalf("expected ErrSessionAlreadyExists, got %v", err)
	}

	updated, err := store.UpdateStatus(ctx, "s1", domain.SessionStatusPaymentProcessing)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != domain.SessionStatusPaymentProcessing {
		t.Fatalf("expected PAYMENT_PROCESSING, got %s", updated.Status)
	}
	if _, err := store.UpdateStatus(ctx, "s1", domain.SessionStatusPaymentProcessing); err != nil {
		t.Fatalf("same-status update must be a no-op, got %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "s1", domain.SessionStatusPending); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := store.Get(ctx, "s1")
	got.Lines[0].Qty = 42
	again, _ := store.Get(ctx, "s1")
	if again.Lines[0].Qty != 1 {
		t.Fatal("stored snapshot must be immutable from the outside")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionStore_ListExpiredSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore()
	now := time.Now().UTC()

	_ = store.Create(ctx, newSession("old", now.Add(-2*time.Minute)))
	_ = store.Create(ctx, newSession("older-done", now.Add(-3*time.Minute)))
	_ = store.Create(ctx, newSession("fresh", now.Add(time.Minute)))
	_, _ = store.UpdateStatus(ctx, "older-done", domain.SessionStatusAbandoned)

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("unexpected expired sessions: %+v", expired)
	}

	pending, _ := store.ListByStatus(ctx, domain.SessionStatusPending, 10)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending sessions, got %d", len(pending))
	}
}
