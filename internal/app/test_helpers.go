package app

import (
	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/checkout"
)

// newTestCreateCommand создаёт тестовую корзину на 2 x 500 + налог 80 + доставка 20.
func newTestCreateCommand() checkout.CreateCommand {
	address := domain.Address{
		Name:       "Test Customer",
		Line1:      "1 Test Street",
		City:       "Testville",
		PostalCode: "10001",
		Country:    "US",
	}
	return checkout.CreateCommand{
		CustomerID: "test-customer-1",
		Currency:   "USD",
		Lines: []domain.CartLine{
			{SKU: "SKU-TEST", Qty: 2, UnitPriceMinor: 500},
		},
		TaxMinor:        80,
		ShippingMinor:   20,
		TotalMinor:      1100,
		ShippingAddress: address,
	}
}
