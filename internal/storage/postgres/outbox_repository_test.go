package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

func TestOutboxRepository_EnqueueGeneratesIDAndIgnoresDuplicates(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewOutboxRepository(store)

	mock.ExpectExec("ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs(pgxmock.AnyArg(), "order", "o-1", "OrderConfirmed", int64(5), "corr", []byte("null"),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	stored, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: "order", AggregateID: "o-1", EventType: "OrderConfirmed", Sequence: 5, CorrelationID: "corr",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("expected generated id")
	}
	expectationsMet(t, mock)
}

func TestOutboxRepository_PullPendingInInsertOrder(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewOutboxRepository(store)
	at := time.Now().UTC()

	cols := []string{"id", "aggregate_type", "aggregate_id", "event_type", "sequence", "correlation_id", "payload", "occurred_at"}
	mock.ExpectQuery("ORDER BY position").WithArgs(100).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("e-1", "order", "o-1", "InventoryReserved", int64(2), "corr", []byte(`{}`), at).
			AddRow("e-2", "order", "o-1", "PaymentCaptured", int64(4), "corr", []byte(`{}`), at))

	pending, err := repo.PullPending(context.Background(), 0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "e-1" || pending[1].Sequence != 4 {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	expectationsMet(t, mock)
}

func TestOutboxRepository_StatsAndMarks(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewOutboxRepository(store)
	oldest := time.Now().Add(-time.Minute).UTC()

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(pgxmock.NewRows([]string{"count", "min"}).AddRow(3, &oldest))
	mock.ExpectExec("UPDATE outbox_messages").WithArgs("e-1", "sent", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE outbox_messages").WithArgs("e-2", "failed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE outbox_messages").WithArgs("missing", "sent", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	stats, err := repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 3 || !stats.OldestPendingAt.Equal(oldest) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := repo.MarkSent(context.Background(), "e-1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(context.Background(), "e-2"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := repo.MarkSent(context.Background(), "missing"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish, got %v", err)
	}
	expectationsMet(t, mock)
}
