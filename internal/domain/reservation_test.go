package domain

import (
	"testing"
	"time"
)

func TestReservation_Validate(t *testing.T) {
	tests := []struct {
		name        string
		reservation *Reservation
		errCount    int
	}{
		{
			name:        "valid reservation",
			reservation: &Reservation{SessionID: "sess-1", SKU: "SKU-001", Qty: 5},
		},
		{
			name:        "missing session",
			reservation: &Reservation{SKU: "SKU-001", Qty: 5},
			errCount:    1,
		},
		{
			name:        "everything missing",
			reservation: &Reservation{},
			errCount:    3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := tt.reservation.Validate(); len(errs) != tt.errCount {
				t.Errorf("expected %d errors, got %d: %v", tt.errCount, len(errs), errs)
			}
		})
	}
}

func TestReservationStatus_CanTransition(t *testing.T) {
	for _, to := range []ReservationStatus{ReservationStatusReleased, ReservationStatusFulfilled, ReservationStatusExpired} {
		if !ReservationStatusReserved.CanTransition(to) {
			t.Errorf("RESERVED -> %s must be allowed", to)
		}
		if ReservationStatusReleased.CanTransition(to) {
			t.Errorf("RELEASED -> %s must be rejected", to)
		}
	}
	if ReservationStatusReserved.CanTransition(ReservationStatusReserved) {
		t.Error("RESERVED -> RESERVED must be rejected")
	}
}

func TestReservation_ExpiredAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Reservation{Status: ReservationStatusReserved, ExpiresAt: now}

	if !r.ExpiredAt(now) {
		t.Fatal("reservation must be expired exactly at ExpiresAt")
	}
	if r.ExpiredAt(now.Add(-time.Second)) {
		t.Fatal("reservation must be active before ExpiresAt")
	}
	r.Status = ReservationStatusFulfilled
	if r.ExpiredAt(now.Add(time.Hour)) {
		t.Fatal("fulfilled reservation never expires")
	}
}

func TestStockLevel(t *testing.T) {
	s := StockLevel{SKU: "A", Total: 5, Reserved: 2, Fulfilled: 1}
	if s.Available() != 2 {
		t.Fatalf("expected available 2, got %d", s.Available())
	}
	if !s.Consistent() {
		t.Fatal("expected consistent stock")
	}
	s.Reserved = 5
	if s.Consistent() {
		t.Fatal("reserved + fulfilled > total must be inconsistent")
	}
}
