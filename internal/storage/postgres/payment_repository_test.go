package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

var paymentCols = []string{
	"id", "session_id", "idempotency_key", "amount_minor", "currency", "payment_method", "status",
	"gateway_reference", "failure_code", "failure_reason", "attempts", "created_at", "updated_at",
}

func paymentRow(status domain.PaymentStatus, at time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(paymentCols).
		AddRow("p-1", "s-1", "s-1", int64(1500), "USD", "card", string(status), "ref-1", "", "", 1, at, at)
}

func TestPaymentRepository_Create(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)

	mock.ExpectExec("INSERT INTO payments").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	created, err := repo.Create(context.Background(), domain.Payment{
		SessionID: "s-1", IdempotencyKey: "s-1", AmountMinor: 1500, Currency: "USD",
		PaymentMethod: "card", Status: domain.PaymentStatusPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps, got %+v", created)
	}
	expectationsMet(t, mock)
}

func TestPaymentRepository_CreateDuplicateReturnsExisting(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)
	at := time.Now().UTC()

	mock.ExpectExec("INSERT INTO payments").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("FROM payments").WithArgs("s-1").WillReturnRows(paymentRow(domain.PaymentStatusCaptured, at))

	existing, err := repo.Create(context.Background(), domain.Payment{SessionID: "s-1", IdempotencyKey: "s-1"})
	if !errors.Is(err, domain.ErrPaymentAlreadyExists) {
		t.Fatalf("expected ErrPaymentAlreadyExists, got %v", err)
	}
	if existing.ID != "p-1" || existing.Status != domain.PaymentStatusCaptured {
		t.Fatalf("unexpected existing payment: %+v", existing)
	}
	expectationsMet(t, mock)
}

func TestPaymentRepository_CreateRequiresKey(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)

	if _, err := repo.Create(context.Background(), domain.Payment{SessionID: "s-1"}); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPaymentRepository_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)

	mock.ExpectQuery("FROM payments").WithArgs("nope").WillReturnRows(pgxmock.NewRows(paymentCols))

	if _, err := repo.GetByIdempotencyKey(context.Background(), "nope"); !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPaymentRepository_UpdateCompareAndSet(t *testing.T) {
	at := time.Now().UTC()
	update := domain.Payment{
		IdempotencyKey: "s-1", AmountMinor: 1500, Currency: "USD", PaymentMethod: "card",
		Status: domain.PaymentStatusCaptured, GatewayReference: "ref-1", Attempts: 1,
	}

	t.Run("applied", func(t *testing.T) {
		store, mock := newMockStore(t)
		repo := NewPaymentRepository(store)

		mock.ExpectQuery("UPDATE payments").
			WithArgs("s-1", "PENDING", int64(1500), "USD", "card", "CAPTURED", "ref-1", "", "", 1, pgxmock.AnyArg()).
			WillReturnRows(paymentRow(domain.PaymentStatusCaptured, at))

		updated, err := repo.Update(context.Background(), update, domain.PaymentStatusPending)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Status != domain.PaymentStatusCaptured {
			t.Fatalf("expected CAPTURED, got %s", updated.Status)
		}
		expectationsMet(t, mock)
	})

	t.Run("status moved on", func(t *testing.T) {
		store, mock := newMockStore(t)
		repo := NewPaymentRepository(store)

		mock.ExpectQuery("UPDATE payments").WillReturnRows(pgxmock.NewRows(paymentCols))
		mock.ExpectQuery("FROM payments").WithArgs("s-1").WillReturnRows(paymentRow(domain.PaymentStatusFailed, at))

		current, err := repo.Update(context.Background(), update, domain.PaymentStatusPending)
		if !errors.Is(err, domain.ErrPaymentStatusConflict) {
			t.Fatalf("expected ErrPaymentStatusConflict, got %v", err)
		}
		if current.Status != domain.PaymentStatusFailed {
			t.Fatalf("expected current FAILED row, got %s", current.Status)
		}
		expectationsMet(t, mock)
	})

	t.Run("missing", func(t *testing.T) {
		store, mock := newMockStore(t)
		repo := NewPaymentRepository(store)

		mock.ExpectQuery("UPDATE payments").WillReturnRows(pgxmock.NewRows(paymentCols))
		mock.ExpectQuery("FROM payments").WithArgs("s-1").WillReturnRows(pgxmock.NewRows(paymentCols))

		if _, err := repo.Update(context.Background(), update, domain.PaymentStatusPending); !errors.Is(err, domain.ErrPaymentNotFound) {
			t.Fatalf("expected ErrPaymentNotFound, got %v", err)
		}
		expectationsMet(t, mock)
	})
}
