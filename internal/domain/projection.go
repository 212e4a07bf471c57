package domain

import (
	"fmt"
	"time"
)

// OrderStatus: статус заказа, выводимый сверткой журнала.
type OrderStatus string

const (
	OrderStatusInitiated              OrderStatus = "INITIATED"
	OrderStatusInventoryReserved      OrderStatus = "INVENTORY_RESERVED"
	OrderStatusPaymentPending         OrderStatus = "PAYMENT_PENDING"
	OrderStatusConfirmed              OrderStatus = "CONFIRMED"
	OrderStatusPaymentFailed          OrderStatus = "PAYMENT_FAILED"
	OrderStatusCancelled              OrderStatus = "CANCELLED"
	OrderStatusReconciliationRequired OrderStatus = "RECONCILIATION_REQUIRED"
	OrderStatusRefunded               OrderStatus = "REFUNDED"
)

// Settled сообщает, что saga больше не будет двигать заказ сама.
// CONFIRMED и RECONCILIATION_REQUIRED ещё допускают ручной возврат.
func (s OrderStatus) Settled() bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusPaymentFailed, OrderStatusCancelled,
		OrderStatusReconciliationRequired, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Refundable сообщает, можно ли вернуть деньги по заказу.
func (s OrderStatus) Refundable() bool {
	return s == OrderStatusConfirmed || s == OrderStatusReconciliationRequired
}

// ProjectionLine: позиция заказа в read-модели.
type ProjectionLine struct {
	SKU            string `json:"sku"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	TotalMinor     int64  `json:"total_minor"`
}

// ProjectionReservation: состояние резерва в read-модели.
type ProjectionReservation struct {
	ReservationID string            `json:"reservation_id"`
	SKU           string            `json:"sku"`
	Qty           int64             `json:"qty"`
	Status        ReservationStatus `json:"status"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// OrderProjection: read-модель заказа. Строится только сверткой событий по порядку.
type OrderProjection struct {
	OrderID          string                  `json:"order_id"`
	SessionID        string                  `json:"session_id"`
	CustomerID       string                  `json:"customer_id"`
	Status           OrderStatus             `json:"status"`
	Currency         string                  `json:"currency"`
	Lines            []ProjectionLine        `json:"lines"`
	SubtotalMinor    int64                   `json:"subtotal_minor"`
	TaxMinor         int64                   `json:"tax_minor"`
	ShippingMinor    int64                   `json:"shipping_minor"`
	TotalMinor       int64                   `json:"total_minor"`
	ShippingAddress  AddressPayload          `json:"shipping_address"`
	BillingAddress   AddressPayload          `json:"billing_address"`
	PaymentMethod    string                  `json:"payment_method"`
	ExpiresAt        time.Time               `json:"expires_at"`
	Reservations     []ProjectionReservation `json:"reservations"`
	PaymentStatus    PaymentStatus           `json:"payment_status,omitempty"`
	PaymentID        string                  `json:"payment_id,omitempty"`
	PaymentReference string                  `json:"payment_reference,omitempty"`
	FailureCode      string                  `json:"failure_code,omitempty"`
	FailureReason    string                  `json:"failure_reason,omitempty"`
	Sequence         int64                   `json:"sequence"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// Replay строит проекцию с нуля. Одинаковый журнал всегда даёт одинаковый результат.
func Replay(events []OrderEvent) (OrderProjection, error) {
	var p OrderProjection
	for _, e := range events {
		if err := p.Apply(e); err != nil {
			return OrderProjection{}, err
		}
	}
	return p, nil
}

// Apply применяет очередное событие. Событие с неверным номером или
// недопустимым переходом отклоняется, проекция при этом не меняется.
func (p *OrderProjection) Apply(e OrderEvent) error {
	if e.Sequence != p.Sequence+1 {
		return fmt.Errorf("%w: %s sequence %d after %d", ErrInvalidTransition, e.Type, e.Sequence, p.Sequence)
	}
	if p.Sequence > 0 && e.AggregateID != p.OrderID {
		return fmt.Errorf("%w: event for %s applied to %s", ErrInvalidTransition, e.AggregateID, p.OrderID)
	}

	next := p.clone()
	if err := next.apply(e); err != nil {
		return err
	}
	next.Sequence = e.Sequence
	next.UpdatedAt = e.OccurredAt
	*p = next
	return nil
}

func (p *OrderProjection) apply(e OrderEvent) error {
	switch e.Type {
	case EventCheckoutInitiated:
		if p.Sequence != 0 {
			return p.reject(e)
		}
		var payload CheckoutInitiatedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		p.OrderID = e.AggregateID
		p.SessionID = payload.SessionID
		p.CustomerID = payload.CustomerID
		p.Currency = payload.Currency
		p.Lines = make([]ProjectionLine, 0, len(payload.Lines))
		for _, l := range payload.Lines {
			p.Lines = append(p.Lines, ProjectionLine{
				SKU:            l.SKU,
				Qty:            l.Qty,
				UnitPriceMinor: l.UnitPriceMinor,
				TotalMinor:     l.Qty * l.UnitPriceMinor,
			})
		}
		p.SubtotalMinor = payload.SubtotalMinor
		p.TaxMinor = payload.TaxMinor
		p.ShippingMinor = payload.ShippingMinor
		p.TotalMinor = payload.TotalMinor
		p.ShippingAddress = payload.ShippingAddress
		p.BillingAddress = payload.BillingAddress
		p.PaymentMethod = payload.PaymentMethod
		p.ExpiresAt = payload.ExpiresAt
		p.Reservations = []ProjectionReservation{}
		p.Status = OrderStatusInitiated
		p.CreatedAt = e.OccurredAt

	case EventInventoryReserved:
		if p.Status != OrderStatusInitiated {
			return p.reject(e)
		}
		var payload InventoryReservedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		for _, r := range payload.Reservations {
			p.Reservations = append(p.Reservations, ProjectionReservation{
				ReservationID: r.ReservationID,
				SKU:           r.SKU,
				Qty:           r.Qty,
				Status:        ReservationStatusReserved,
				ExpiresAt:     r.ExpiresAt,
			})
		}
		p.Status = OrderStatusInventoryReserved

	case EventInventoryReleased:
		switch p.Status {
		case OrderStatusInitiated, OrderStatusInventoryReserved, OrderStatusPaymentPending:
		default:
			return p.reject(e)
		}
		var payload InventoryReleasedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		status := ReservationStatusReleased
		if payload.Reason == ReasonSessionExpired || payload.Reason == ReasonReservationExpired {
			status = ReservationStatusExpired
		}
		released := make(map[string]struct{}, len(payload.ReservationIDs))
		for _, id := range payload.ReservationIDs {
			released[id] = struct{}{}
		}
		for i := range p.Reservations {
			if _, ok := released[p.Reservations[i].ReservationID]; ok && p.Reservations[i].Status == ReservationStatusReserved {
				p.Reservations[i].Status = status
			}
		}

	case EventPaymentRequested:
		if p.Status != OrderStatusInventoryReserved {
			return p.reject(e)
		}
		p.Status = OrderStatusPaymentPending
		p.PaymentStatus = PaymentStatusPending

	case EventPaymentCaptured:
		if p.Status != OrderStatusPaymentPending || !p.PaymentStatus.Open() {
			return p.reject(e)
		}
		var payload PaymentCapturedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		p.PaymentStatus = PaymentStatusCaptured
		p.PaymentID = payload.PaymentID
		p.PaymentReference = payload.Reference

	case EventPaymentFailed:
		if p.Status != OrderStatusPaymentPending || !p.PaymentStatus.Open() {
			return p.reject(e)
		}
		var payload PaymentFailedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		p.PaymentStatus = PaymentStatusFailed
		p.PaymentID = payload.PaymentID
		p.FailureCode = payload.Code
		p.FailureReason = payload.Reason

	case EventOrderConfirmed:
		if p.Status != OrderStatusPaymentPending || p.PaymentStatus != PaymentStatusCaptured {
			return p.reject(e)
		}
		for i := range p.Reservations {
			if p.Reservations[i].Status == ReservationStatusReserved {
				p.Reservations[i].Status = ReservationStatusFulfilled
			}
		}
		p.Status = OrderStatusConfirmed

	case EventOrderCancelled:
		switch p.Status {
		case OrderStatusInitiated, OrderStatusInventoryReserved, OrderStatusPaymentPending:
		default:
			return p.reject(e)
		}
		if p.PaymentStatus == PaymentStatusCaptured {
			return p.reject(e)
		}
		var payload OrderCancelledPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		p.Status = OrderStatusCancelled
		p.FailureReason = payload.Reason

	case EventOrderFailed:
		if p.Status != OrderStatusPaymentPending || p.PaymentStatus != PaymentStatusFailed {
			return p.reject(e)
		}
		var payload OrderFailedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		p.Status = OrderStatusPaymentFailed
		p.FailureCode = payload.Code
		p.FailureReason = payload.Reason

	case EventReconciliationRequired:
		switch p.Status {
		case OrderStatusPaymentPending, OrderStatusCancelled, OrderStatusPaymentFailed:
		default:
			return p.reject(e)
		}
		var payload ReconciliationRequiredPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		p.Status = OrderStatusReconciliationRequired
		p.PaymentStatus = PaymentStatusCaptured
		p.PaymentReference = payload.PaymentReference
		p.FailureReason = payload.Reason

	case EventOrderRefunded:
		if !p.Status.Refundable() {
			return p.reject(e)
		}
		var payload OrderRefundedPayload
		if err := e.Decode(&payload); err != nil {
			return err
		}
		p.Status = OrderStatusRefunded
		p.PaymentStatus = PaymentStatusRefunded
		if payload.PaymentReference != "" {
			p.PaymentReference = payload.PaymentReference
		}

	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidTransition, e.Type)
	}
	return nil
}

func (p *OrderProjection) reject(e OrderEvent) error {
	return fmt.Errorf("%w: %s not allowed in status %q", ErrInvalidTransition, e.Type, p.Status)
}

// HeldReservations возвращает резервы, которые ещё удерживают остаток.
func (p *OrderProjection) HeldReservations() []ProjectionReservation {
	var held []ProjectionReservation
	for _, r := range p.Reservations {
		if r.Status == ReservationStatusReserved {
			held = append(held, r)
		}
	}
	return held
}

func (p *OrderProjection) clone() OrderProjection {
	dst := *p
	dst.Lines = append([]ProjectionLine(nil), p.Lines...)
	if p.Reservations != nil {
		dst.Reservations = append([]ProjectionReservation{}, p.Reservations...)
	}
	return dst
}

// Clone возвращает независимую копию проекции.
func (p OrderProjection) Clone() OrderProjection {
	return p.clone()
}
