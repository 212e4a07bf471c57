package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateTypeOrder: тип агрегата для журнала событий и outbox.
const AggregateTypeOrder = "order"

// EventType: тип события в журнале заказа.
type EventType string

const (
	EventCheckoutInitiated      EventType = "CheckoutInitiated"
	EventInventoryReserved      EventType = "InventoryReserved"
	EventInventoryReleased      EventType = "InventoryReleased"
	EventPaymentRequested       EventType = "PaymentRequested"
	EventPaymentCaptured        EventType = "PaymentCaptured"
	EventPaymentFailed          EventType = "PaymentFailed"
	EventOrderConfirmed         EventType = "OrderConfirmed"
	EventOrderCancelled         EventType = "OrderCancelled"
	EventOrderFailed            EventType = "OrderFailed"
	EventReconciliationRequired EventType = "ReconciliationRequired"
	EventOrderRefunded          EventType = "OrderRefunded"
)

// Published сообщает, публикуется ли событие во внешний брокер через outbox.
func (t EventType) Published() bool {
	switch t {
	case EventInventoryReserved, EventInventoryReleased,
		EventPaymentCaptured, EventPaymentFailed,
		EventOrderConfirmed, EventOrderCancelled:
		return true
	default:
		return false
	}
}

// OrderEvent: неизменяемая запись журнала заказа.
// Sequence начинается с 1 и строго возрастает в пределах агрегата.
type OrderEvent struct {
	ID            string
	AggregateID   string
	Sequence      int64
	Type          EventType
	Payload       []byte
	CorrelationID string
	OccurredAt    time.Time
}

// NewEvent собирает событие с JSON payload. Sequence назначает хранилище при Append.
func NewEvent(id, aggregateID string, eventType EventType, payload any, correlationID string, at time.Time) (OrderEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OrderEvent{
		ID:            id,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       raw,
		CorrelationID: correlationID,
		OccurredAt:    at.UTC(),
	}, nil
}

// Decode разбирает payload события в dst.
func (e OrderEvent) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s #%d: %w", e.Type, e.Sequence, err)
	}
	return nil
}

// LinePayload: позиция корзины в событии.
type LinePayload struct {
	SKU            string `json:"sku"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

// AddressPayload: адрес в событии и проекции.
type AddressPayload struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// AddressPayloadOf переводит адрес в форму события.
func AddressPayloadOf(a Address) AddressPayload {
	return AddressPayload{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

type CheckoutInitiatedPayload struct {
	SessionID       string         `json:"session_id"`
	CustomerID      string         `json:"customer_id"`
	Currency        string         `json:"currency"`
	Lines           []LinePayload  `json:"lines"`
	SubtotalMinor   int64          `json:"subtotal_minor"`
	TaxMinor        int64          `json:"tax_minor"`
	ShippingMinor   int64          `json:"shipping_minor"`
	TotalMinor      int64          `json:"total_minor"`
	ShippingAddress AddressPayload `json:"shipping_address"`
	BillingAddress  AddressPayload `json:"billing_address"`
	PaymentMethod   string         `json:"payment_method"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// InitiatedPayloadOf строит payload CheckoutInitiated из снимка сессии.
func InitiatedPayloadOf(s CheckoutSession, paymentMethod string) CheckoutInitiatedPayload {
	lines := make([]LinePayload, 0, len(s.Lines))
	for _, l := range s.Lines {
		lines = append(lines, LinePayload{SKU: l.SKU, Qty: l.Qty, UnitPriceMinor: l.UnitPriceMinor})
	}
	return CheckoutInitiatedPayload{
		SessionID:       s.ID,
		CustomerID:      s.CustomerID,
		Currency:        s.Currency,
		Lines:           lines,
		SubtotalMinor:   s.SubtotalMinor,
		TaxMinor:        s.TaxMinor,
		ShippingMinor:   s.ShippingMinor,
		TotalMinor:      s.TotalMinor,
		ShippingAddress: AddressPayloadOf(s.ShippingAddress),
		BillingAddress:  AddressPayloadOf(s.BillingAddress),
		PaymentMethod:   paymentMethod,
		ExpiresAt:       s.ExpiresAt.UTC(),
	}
}

type ReservationRef struct {
	ReservationID string    `json:"reservation_id"`
	SKU           string    `json:"sku"`
	Qty           int64     `json:"qty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type InventoryReservedPayload struct {
	SessionID    string           `json:"session_id"`
	Reservations []ReservationRef `json:"reservations"`
}

type InventoryReleasedPayload struct {
	SessionID      string   `json:"session_id"`
	ReservationIDs []string `json:"reservation_ids"`
	Reason         string   `json:"reason"`
}

type PaymentRequestedPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	PaymentMethod  string `json:"payment_method"`
}

type PaymentCapturedPayload struct {
	PaymentID   string `json:"payment_id"`
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type PaymentFailedPayload struct {
	PaymentID string `json:"payment_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
}

type OrderConfirmedPayload struct {
	SessionID  string `json:"session_id"`
	TotalMinor int64  `json:"total_minor"`
	Currency   string `json:"currency"`
	Fulfilled  int    `json:"fulfilled_reservations"`
}

type OrderCancelledPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type OrderFailedPayload struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

type ReconciliationRequiredPayload struct {
	SessionID        string   `json:"session_id"`
	PaymentReference string   `json:"payment_reference"`
	AmountMinor      int64    `json:"amount_minor"`
	Reason           string   `json:"reason"`
	Fulfilled        []string `json:"fulfilled_reservation_ids,omitempty"`
}

type OrderRefundedPayload struct {
	PaymentReference string `json:"payment_reference"`
	AmountMinor      int64  `json:"amount_minor"`
	Reason           string `json:"reason"`
}

// Причины компенсаций, попадающие в события.
const (
	ReasonInsufficientInventory = "insufficient_inventory"
	ReasonSessionExpired        = "session_expired"
	ReasonReservationExpired    = "reservation_expired"
	ReasonPaymentDeclined       = "payment_declined"
	ReasonGatewayTimeout        = "gateway_timeout"
	ReasonLateCapture           = "capture_after_cancellation"
)
