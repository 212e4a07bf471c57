package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultSessionTTL: жёсткий срок жизни checkout-сессии.
const DefaultSessionTTL = 15 * time.Minute

// SessionStatus описывает жизненный цикл checkout-сессии.
type SessionStatus string

const (
	// SessionStatusPending: сессия создана, покупатель ещё не подтвердил оплату.
	SessionStatusPending SessionStatus = "PENDING"
	// SessionStatusPaymentProcessing: saga запущена, идёт резерв и списание.
	SessionStatusPaymentProcessing SessionStatus = "PAYMENT_PROCESSING"
	// SessionStatusCompleted: заказ подтверждён.
	SessionStatusCompleted SessionStatus = "COMPLETED"
	// SessionStatusAbandoned: saga завершилась отказом (нет стока, отказ оплаты).
	SessionStatusAbandoned SessionStatus = "ABANDONED"
	// SessionStatusExpired: сессия истекла до завершения.
	SessionStatusExpired SessionStatus = "EXPIRED"
)

// Terminal сообщает, что статус финальный.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusAbandoned, SessionStatusExpired:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusPaymentProcessing,
		SessionStatusCompleted, SessionStatusAbandoned, SessionStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition проверяет допустимость перехода статуса сессии.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	switch s {
	case SessionStatusPending:
		return to == SessionStatusPaymentProcessing || to == SessionStatusAbandoned || to == SessionStatusExpired
	case SessionStatusPaymentProcessing:
		return to == SessionStatusCompleted || to == SessionStatusAbandoned || to == SessionStatusExpired
	default:
		return false
	}
}

// CartLine: одна позиция снимка корзины.
type CartLine struct {
	SKU string
	Qty int64
	// UnitPriceMinor: цена за единицу в минимальных денежных единицах.
	UnitPriceMinor int64
}

// TotalMinor возвращает qty * unit price. Для непроверенных позиций используйте CheckedTotalMinor.
func (l CartLine) TotalMinor() int64 {
	return l.Qty * l.UnitPriceMinor
}

// CheckedTotalMinor возвращает qty * unit price или ErrAmountOverflow, если произведение не помещается в int64.
func (l CartLine) CheckedTotalMinor() (int64, error) {
	return mulMinor(l.Qty, l.UnitPriceMinor)
}

// Address: адрес доставки или плательщика.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
}

// Validate проверяет обязательные поля адреса.
func (a Address) Validate() error {
	var missing []string
	if strings.TrimSpace(a.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		missing = append(missing, "postal_code")
	}
	if len(strings.TrimSpace(a.Country)) != 2 {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrAddressInvalid, strings.Join(missing, ","))
	}
	return nil
}

// CheckoutSession: неизменяемый снимок корзины плюс статус оформления.
type CheckoutSession struct {
	ID         string
	OrderID    string
	CustomerID string
	Currency   string
	Lines      []CartLine

	SubtotalMinor int64
	TaxMinor      int64
	ShippingMinor int64
	TotalMinor    int64

	ShippingAddress Address
	BillingAddress  Address

	Status    SessionStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubtotalOf суммирует позиции корзины.
func SubtotalOf(lines []CartLine) int64 {
	var sum int64
	for _, line := range lines {
		sum += line.TotalMinor()
	}
	return sum
}

// CheckedSubtotalOf суммирует позиции корзины с контролем переполнения.
func CheckedSubtotalOf(lines []CartLine) (int64, error) {
	var sum int64
	for _, line := range lines {
		lineTotal, err := line.CheckedTotalMinor()
		if err != nil {
			return 0, fmt.Errorf("%w: %s", err, line.SKU)
		}
		if sum, err = addMinor(sum, lineTotal); err != nil {
			return 0, err
		}
	}
	return sum, nil
}

// SumMinor складывает суммы в минимальных единицах с контролем переполнения.
func SumMinor(values ...int64) (int64, error) {
	var sum int64
	for _, v := range values {
		var err error
		if sum, err = addMinor(sum, v); err != nil {
			return 0, err
		}
	}
	return sum, nil
}

func addMinor(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}

func mulMinor(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, ErrAmountOverflow
	}
	c := a * b
	if c/b != a {
		return 0, ErrAmountOverflow
	}
	return c, nil
}

// ValidateInvariants проверяет снимок корзины и возвращает список замечаний.
func (s *CheckoutSession) ValidateInvariants() []error {
	var errs []error

	if s.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(strings.TrimSpace(s.Currency)) != 3 {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(s.Lines) == 0 {
		errs = append(errs, ErrLinesRequired)
	}

	seen := make(map[string]struct{}, len(s.Lines))
	for _, line := range s.Lines {
		if line.SKU == "" {
			errs = append(errs, ErrLineSKURequired)
		}
		if _, dup := seen[line.SKU]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrLineSKUDuplicate, line.SKU))
		}
		seen[line.SKU] = struct{}{}
		if line.Qty <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrLineQtyInvalid, line.SKU))
		}
		if line.UnitPriceMinor < 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrLinePriceInvalid, line.SKU))
		}
	}

	if s.TaxMinor < 0 || s.ShippingMinor < 0 {
		errs = append(errs, ErrChargesNegative)
	}
	if subtotal, err := CheckedSubtotalOf(s.Lines); err != nil {
		errs = append(errs, err)
	} else if s.SubtotalMinor != subtotal {
		errs = append(errs, ErrTotalMismatch)
	} else if total, err := SumMinor(subtotal, s.TaxMinor, s.ShippingMinor); err != nil {
		errs = append(errs, err)
	} else if s.TotalMinor != total {
		errs = append(errs, ErrTotalMismatch)
	}

	if err := s.ShippingAddress.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("shipping_address: %w", err))
	}
	if err := s.BillingAddress.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("billing_address: %w", err))
	}

	return errs
}

// Expired сообщает, истёк ли срок сессии на момент now.
func (s *CheckoutSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone возвращает копию сессии с независимым срезом позиций.
func (s CheckoutSession) Clone() CheckoutSession {
	dst := s
	dst.Lines = append([]CartLine(nil), s.Lines...)
	return dst
}
