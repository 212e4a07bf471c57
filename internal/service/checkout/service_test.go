package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/memory"
)

var t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func validCommand() CreateCommand {
	addr := domain.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	return CreateCommand{
		CustomerID: "cust-1",
		Currency:   "usd",
		Lines: []domain.CartLine{
			{SKU: "A", Qty: 2, UnitPriceMinor: 1000},
			{SKU: "B", Qty: 1, UnitPriceMinor: 2500},
		},
		TaxMinor:        360,
		ShippingMinor:   500,
		TotalMinor:      5360,
		ShippingAddress: addr,
	}
}

func TestService_Create(t *testing.T) {
	store := memory.NewSessionStore()
	svc := NewService(store, WithClock(func() time.Time { return t0 }))

	session, err := svc.Create(context.Background(), validCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.ID == "" || session.OrderID == "" || session.ID == session.OrderID {
		t.Fatalf("expected distinct generated ids, got %q/%q", session.ID, session.OrderID)
	}
	if session.Currency != "USD" {
		t.Fatalf("currency must be normalised, got %q", session.Currency)
	}
	if session.SubtotalMinor != 4500 || session.TotalMinor != 5360 {
		t.Fatalf("unexpected totals %d/%d", session.SubtotalMinor, session.TotalMinor)
	}
	if !session.ExpiresAt.Equal(t0.Add(domain.DefaultSessionTTL)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}
	if session.BillingAddress != session.ShippingAddress {
		t.Fatal("billing address must default to shipping address")
	}

	stored, err := svc.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.SessionStatusPending {
		t.Fatalf("expected PENDING, got %s", stored.Status)
	}
}

func TestService_CreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateCommand)
		want   error
	}{
		{"total mismatch", func(c *CreateCommand) { c.TotalMinor = 5000 }, domain.ErrTotalMismatch},
		{"empty cart", func(c *CreateCommand) { c.Lines = nil; c.TotalMinor = 860 }, domain.ErrLinesRequired},
		{"zero qty", func(c *CreateCommand) { c.Lines[0].Qty = 0; c.TotalMinor = 3360 }, domain.ErrLineQtyInvalid},
		{"negative price", func(c *CreateCommand) { c.Lines[1].UnitPriceMinor = -1; c.TotalMinor = 2859 }, domain.ErrLinePriceInvalid},
		{"duplicate sku", func(c *CreateCommand) { c.Lines[1].SKU = "A"; c.Lines[1].UnitPriceMinor = 1000; c.TotalMinor = 3860 }, domain.ErrLineSKUDuplicate},
		{"missing customer", func(c *CreateCommand) { c.CustomerID = " " }, domain.ErrCustomerRequired},
		{"bad currency", func(c *CreateCommand) { c.Currency = "dollars" }, domain.ErrCurrencyRequired},
		{"bad address", func(c *CreateCommand) { c.ShippingAddress.City = "" }, domain.ErrAddressInvalid},
		{"amount overflow", func(c *CreateCommand) {
			c.Lines = []domain.CartLine{{SKU: "A", Qty: 2, UnitPriceMinor: 1 << 62}, {SKU: "B", Qty: 2, UnitPriceMinor: 1 << 62}}
			c.TaxMinor, c.ShippingMinor, c.TotalMinor = 0, 1, 1
		}, domain.ErrAmountOverflow},
		{"negative tax", func(c *CreateCommand) { c.TaxMinor = -360; c.TotalMinor = 4640 }, domain.ErrChargesNegative},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(memory.NewSessionStore())
			cmd := validCommand()
			tt.mutate(&cmd)

			_, err := svc.Create(context.Background(), cmd)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v inside %v", tt.want, err)
			}
		})
	}
}

func TestService_CustomTTL(t *testing.T) {
	svc := NewService(memory.NewSessionStore(), WithTTL(time.Minute), WithClock(func() time.Time { return t0 }))

	session, err := svc.Create(context.Background(), validCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !session.ExpiresAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}
}
