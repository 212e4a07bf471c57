package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/memory"
)

func TestPaymentRepository_UniqueKeyAndCAS(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPaymentRepository()

	created, err := repo.Create(ctx, domain.Payment{SessionID: "s1", IdempotencyKey: "s1", AmountMinor: 100, Status: domain.PaymentStatusPending})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	existing, err := repo.Create(ctx, domain.Payment{SessionID: "s1", IdempotencyKey: "s1", AmountMinor: 100})
	if !errors.Is(err, domain.ErrPaymentAlreadyExists) {
		t.Fatalf("expected ErrPaymentAlreadyExists, got %v", err)
	}
	if existing.ID != created.ID {
		t.Fatalf("expected existing payment to be returned")
	}

	captured := created
	captured.Status = domain.PaymentStatusCaptured
	if _, err := repo.Update(ctx, captured, domain.PaymentStatusPending); err != nil {
		t.Fatalf("Update: %v", err)
	}

	failed := created
	failed.Status = domain.PaymentStatusFailed
	if _, err := repo.Update(ctx, failed, domain.PaymentStatusPending); !errors.Is(err, domain.ErrPaymentStatusConflict) {
		t.Fatalf("expected ErrPaymentStatusConflict, got %v", err)
	}

	got, _ := repo.GetByIdempotencyKey(ctx, "s1")
	if got.Status != domain.PaymentStatusCaptured {
		t.Fatalf("expected CAPTURED, got %s", got.Status)
	}
	if _, err := repo.GetByIdempotencyKey(ctx, "missing"); !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestProjectionStore_IgnoresOlderSequence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProjectionStore()

	_ = store.Save(ctx, domain.OrderProjection{OrderID: "o1", Sequence: 5, Status: domain.OrderStatusConfirmed})
	_ = store.Save(ctx, domain.OrderProjection{OrderID: "o1", Sequence: 3, Status: domain.OrderStatusPaymentPending})

	got, err := store.Get(ctx, "o1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("older projection overwrote newer one: %s", got.Status)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
