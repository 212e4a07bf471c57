package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v3"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

func TestProjectionStore_SaveGuardsBySequence(t *testing.T) {
	store, mock := newMockStore(t)
	projections := NewProjectionStore(store)

	p := domain.OrderProjection{OrderID: "o-1", SessionID: "s-1", Status: domain.OrderStatusConfirmed, Sequence: 7}

	mock.ExpectExec(`order_projections.sequence <= EXCLUDED.sequence`).
		WithArgs("o-1", "s-1", "CONFIRMED", int64(7), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := projections.Save(context.Background(), p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := projections.Save(context.Background(), domain.OrderProjection{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty order id, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestProjectionStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	projections := NewProjectionStore(store)

	document, err := json.Marshal(domain.OrderProjection{OrderID: "o-1", Status: domain.OrderStatusPaymentPending, Sequence: 4})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	mock.ExpectQuery("FROM order_projections").WithArgs("o-1").
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(document))
	mock.ExpectQuery("FROM order_projections").WithArgs("o-2").
		WillReturnRows(pgxmock.NewRows([]string{"document"}))

	got, err := projections.Get(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.OrderStatusPaymentPending || got.Sequence != 4 {
		t.Fatalf("unexpected projection: %+v", got)
	}
	if _, err := projections.Get(context.Background(), "o-2"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}
