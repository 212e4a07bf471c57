package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/checkout"
)

type addressDTO struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func (a addressDTO) toDomain() domain.Address {
	return domain.Address(a)
}

func addressFromDomain(a domain.Address) addressDTO {
	return addressDTO(a)
}

type cartLineDTO struct {
	SKU            string `json:"sku"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

type createSessionRequest struct {
	CustomerID      string        `json:"customer_id"`
	Currency        string        `json:"currency"`
	Lines           []cartLineDTO `json:"lines"`
	TaxMinor        int64         `json:"tax_minor"`
	ShippingMinor   int64         `json:"shipping_minor"`
	TotalMinor      int64         `json:"total_minor"`
	ShippingAddress addressDTO    `json:"shipping_address"`
	BillingAddress  *addressDTO   `json:"billing_address,omitempty"`
}

func (r createSessionRequest) toCommand() checkout.CreateCommand {
	lines := make([]domain.CartLine, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, domain.CartLine{SKU: l.SKU, Qty: l.Qty, UnitPriceMinor: l.UnitPriceMinor})
	}
	cmd := checkout.CreateCommand{
		CustomerID:      r.CustomerID,
		Currency:        r.Currency,
		Lines:           lines,
		TaxMinor:        r.TaxMinor,
		ShippingMinor:   r.ShippingMinor,
		TotalMinor:      r.TotalMinor,
		ShippingAddress: r.ShippingAddress.toDomain(),
	}
	if r.BillingAddress != nil {
		cmd.BillingAddress = r.BillingAddress.toDomain()
	}
	return cmd
}

type sessionResponse struct {
	ID              string        `json:"id"`
	OrderID         string        `json:"order_id"`
	CustomerID      string        `json:"customer_id"`
	Status          string        `json:"status"`
	Currency        string        `json:"currency"`
	Lines           []cartLineDTO `json:"lines"`
	SubtotalMinor   int64         `json:"subtotal_minor"`
	TaxMinor        int64         `json:"tax_minor"`
	ShippingMinor   int64         `json:"shipping_minor"`
	TotalMinor      int64         `json:"total_minor"`
	ShippingAddress addressDTO    `json:"shipping_address"`
	BillingAddress  addressDTO    `json:"billing_address"`
	ExpiresAt       time.Time     `json:"expires_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

func sessionFromDomain(s domain.CheckoutSession) sessionResponse {
	lines := make([]cartLineDTO, 0, len(s.Lines))
	for _, l := range s.Lines {
		lines = append(lines, cartLineDTO{SKU: l.SKU, Qty: l.Qty, UnitPriceMinor: l.UnitPriceMinor})
	}
	return sessionResponse{
		ID:              s.ID,
		OrderID:         s.OrderID,
		CustomerID:      s.CustomerID,
		Status:          string(s.Status),
		Currency:        s.Currency,
		Lines:           lines,
		SubtotalMinor:   s.SubtotalMinor,
		TaxMinor:        s.TaxMinor,
		ShippingMinor:   s.ShippingMinor,
		TotalMinor:      s.TotalMinor,
		ShippingAddress: addressFromDomain(s.ShippingAddress),
		BillingAddress:  addressFromDomain(s.BillingAddress),
		ExpiresAt:       s.ExpiresAt,
		CreatedAt:       s.CreatedAt,
	}
}

type completeRequest struct {
	PaymentMethod string `json:"payment_method"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type webhookRequest struct {
	EventID        string    `json:"event_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reference      string    `json:"reference"`
	Status         string    `json:"status"`
	DeclineCode    string    `json:"decline_code,omitempty"`
	DeclineReason  string    `json:"decline_reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (r webhookRequest) toDomain() domain.GatewayEvent {
	return domain.GatewayEvent{
		EventID:        r.EventID,
		IdempotencyKey: r.IdempotencyKey,
		Reference:      r.Reference,
		Status:         domain.PaymentStatus(r.Status),
		DeclineCode:    r.DeclineCode,
		DeclineReason:  r.DeclineReason,
		OccurredAt:     r.OccurredAt,
	}
}

type setStockRequest struct {
	Total int64 `json:"total"`
}

type stockResponse struct {
	SKU       string `json:"sku"`
	Total     int64  `json:"total"`
	Reserved  int64  `json:"reserved"`
	Fulfilled int64  `json:"fulfilled"`
	Available int64  `json:"available"`
}

func stockFromDomain(s domain.StockLevel) stockResponse {
	return stockResponse{
		SKU:       s.SKU,
		Total:     s.Total,
		Reserved:  s.Reserved,
		Fulfilled: s.Fulfilled,
		Available: s.Available(),
	}
}

// errorResponse: тело любого неуспешного ответа. Order заполняется,
// когда сага дошла до итога и проекция уже существует.
type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Order   *domain.OrderProjection `json:"order,omitempty"`
}
