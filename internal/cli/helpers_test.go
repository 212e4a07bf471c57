package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/projection"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/saga"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/memory"
)

// fakeMigrator запоминает вызовы миграций.
type fakeMigrator struct {
	version int64
	pending int
	upSteps []int
	down    []int
	err     error
}

func (m *fakeMigrator) MigrateUp(_ context.Context, steps int) error {
	if m.err != nil {
		return m.err
	}
	m.upSteps = append(m.upSteps, steps)
	m.version += int64(m.pending)
	m.pending = 0
	return nil
}

func (m *fakeMigrator) MigrateDown(_ context.Context, steps int) error {
	if m.err != nil {
		return m.err
	}
	m.down = append(m.down, steps)
	m.version -= int64(steps)
	m.pending += steps
	return nil
}

func (m *fakeMigrator) MigrationStatus(context.Context) (int64, int, error) {
	return m.version, m.pending, nil
}

type testEnv struct {
	backend     *Backend
	checkout    *checkout.Service
	coordinator *saga.Coordinator
	ledger      *inventory.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	outbox := memory.NewOutboxRepository()
	backend := &Backend{
		Events:      memory.NewEventStore(outbox),
		Ledger:      memory.NewLedger(),
		Sessions:    memory.NewSessionStore(),
		Payments:    memory.NewPaymentRepository(),
		Projections: memory.NewProjectionStore(),
	}

	ledger := inventory.NewLedger(backend.Ledger)
	payments := payment.NewOrchestrator(backend.Payments, payment.NewMockGateway())
	projector := projection.NewProjector(backend.Events, backend.Projections, nil)

	return &testEnv{
		backend:     backend,
		checkout:    checkout.NewService(backend.Sessions),
		coordinator: saga.NewCoordinator(backend.Sessions, backend.Events, ledger, payments, projector),
		ledger:      ledger,
	}
}

// run выполняет checkoutctl поверх in-memory хранилищ.
func (e *testEnv) run(args ...string) (string, error) {
	cmd := NewRootCommand(func(context.Context, *RootOptions) (*Backend, error) {
		return e.backend, nil
	})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (e *testEnv) createSession(t *testing.T, customerID string) domain.CheckoutSession {
	t.Helper()

	session, err := e.checkout.Create(context.Background(), checkout.CreateCommand{
		CustomerID: customerID,
		Currency:   "USD",
		Lines: []domain.CartLine{
			{SKU: "SKU-CLI", Qty: 2, UnitPriceMinor: 500},
		},
		TaxMinor:      80,
		ShippingMinor: 20,
		TotalMinor:    1100,
		ShippingAddress: domain.Address{
			Name:       "CLI Customer",
			Line1:      "1 Test Street",
			City:       "Testville",
			PostalCode: "10001",
			Country:    "US",
		},
	})
	require.NoError(t, err)
	return session
}

func (e *testEnv) confirmedOrder(t *testing.T, customerID string) domain.OrderProjection {
	t.Helper()

	ctx := context.Background()
	level, err := e.ledger.Stock(ctx, "SKU-CLI")
	require.NoError(t, err)
	_, err = e.ledger.SetStock(ctx, "SKU-CLI", level.Total+2)
	require.NoError(t, err)

	session := e.createSession(t, customerID)
	order, err := e.coordinator.Complete(ctx, session.ID, saga.CompleteCommand{PaymentMethod: "card"})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)
	return order
}

func decodeJSON[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(raw), &v), "output: %s", raw)
	return v
}

func newEmptyProjections() domain.ProjectionStore {
	return memory.NewProjectionStore()
}
