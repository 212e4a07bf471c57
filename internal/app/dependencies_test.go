package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/saga"
)

func newMemoryDependencies(t *testing.T, gateway domain.PaymentGateway) *Dependencies {
	t.Helper()

	rt, err := initRuntimeDependencies(context.Background(), DefaultConfig(), log.WithField("test", "deps"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies failed: %v", err)
	}
	t.Cleanup(rt.close)

	return NewDependencies(DefaultConfig(), rt, gateway, log.WithField("test", "dependencies"))
}

func TestNewDependencies(t *testing.T) {
	deps := newMemoryDependencies(t, nil)

	if deps.Checkout == nil {
		t.Error("Checkout should not be nil")
	}
	if deps.Inventory == nil {
		t.Error("Inventory should not be nil")
	}
	if deps.Payments == nil {
		t.Error("Payments should not be nil")
	}
	if deps.Projector == nil {
		t.Error("Projector should not be nil")
	}
	if deps.Coordinator == nil {
		t.Error("Coordinator should not be nil")
	}
	if deps.Logger == nil {
		t.Error("Logger should not be nil")
	}
}

func TestNewDependencies_WithNilLogger(t *testing.T) {
	rt, err := initRuntimeDependencies(context.Background(), DefaultConfig(), log.WithField("test", "deps"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies failed: %v", err)
	}
	defer rt.close()

	deps := NewDependencies(DefaultConfig(), rt, nil, nil)
	if deps.Logger == nil {
		t.Error("Logger should be initialized even when nil is passed")
	}
}

func TestDependencies_CheckoutToConfirmedOrder(t *testing.T) {
	ctx := context.Background()
	deps := newMemoryDependencies(t, payment.NewMockGateway())

	if _, err := deps.Inventory.SetStock(ctx, "SKU-TEST", 5); err != nil {
		t.Fatalf("SetStock failed: %v", err)
	}

	session, err := deps.Checkout.Create(ctx, newTestCreateCommand())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	order, err := deps.Coordinator.Complete(ctx, session.ID, saga.CompleteCommand{PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", order.Status)
	}

	read, err := deps.Projector.Get(ctx, session.OrderID)
	if err != nil {
		t.Fatalf("Projector.Get failed: %v", err)
	}
	if read.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected projected CONFIRMED, got %s", read.Status)
	}

	level, err := deps.Inventory.Stock(ctx, "SKU-TEST")
	if err != nil {
		t.Fatalf("Stock failed: %v", err)
	}
	if level.Fulfilled != 2 || level.Reserved != 0 {
		t.Fatalf("expected 2 fulfilled and 0 reserved, got %+v", level)
	}
}

func TestDependencies_InsufficientStockAbandonsSession(t *testing.T) {
	ctx := context.Background()
	deps := newMemoryDependencies(t, payment.NewMockGateway())

	if _, err := deps.Inventory.SetStock(ctx, "SKU-TEST", 1); err != nil {
		t.Fatalf("SetStock failed: %v", err)
	}
	session, err := deps.Checkout.Create(ctx, newTestCreateCommand())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	order, err := deps.Coordinator.Complete(ctx, session.ID, saga.CompleteCommand{PaymentMethod: "card"})
	if err == nil || !saga.IsOutcome(err) {
		t.Fatalf("expected saga outcome error, got %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
}
