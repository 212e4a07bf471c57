package domain

import "time"

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusPending: платёж инициирован, но не подтверждён.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusAuthorized: сумма зарезервирована у провайдера, списание ожидается.
	PaymentStatusAuthorized PaymentStatus = "AUTHORIZED"
	// PaymentStatusCaptured: деньги списаны в пользу мерчанта.
	PaymentStatusCaptured PaymentStatus = "CAPTURED"
	// PaymentStatusFailed: провайдер отклонил платёж или не ответил.
	PaymentStatusFailed PaymentStatus = "FAILED"
	// PaymentStatusRefunded: деньги возвращены клиенту.
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusAuthorized, PaymentStatusCaptured,
		PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// Open сообщает, что итог платежа ещё не известен.
func (s PaymentStatus) Open() bool {
	return s == PaymentStatusPending || s == PaymentStatusAuthorized
}

// CanTransition реализует монотонный автомат статусов платежа.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return to == PaymentStatusAuthorized || to == PaymentStatusCaptured || to == PaymentStatusFailed
	case PaymentStatusAuthorized:
		return to == PaymentStatusCaptured || to == PaymentStatusFailed
	case PaymentStatusCaptured:
		return to == PaymentStatusRefunded
	default:
		return false
	}
}

// Payment описывает платёж checkout-сессии. IdempotencyKey всегда равен ID сессии.
type Payment struct {
	ID               string
	SessionID        string
	IdempotencyKey   string
	AmountMinor      int64
	Currency         string
	PaymentMethod    string
	Status           PaymentStatus
	GatewayReference string // Может быть пустым, пока провайдер не ответил.
	FailureCode      string
	FailureReason    string
	Attempts         int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.SessionID == "" {
		errs = append(errs, ErrSessionIDRequired)
	}
	if p.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if p.PaymentMethod == "" {
		errs = append(errs, ErrPaymentMethodRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrPaymentAmountNegative)
	}

	return errs
}

// CaptureRequest: запрос к платёжному шлюзу.
type CaptureRequest struct {
	IdempotencyKey string
	AmountMinor    int64
	Currency       string
	PaymentMethod  string
}

// Коды отказа шлюза.
const (
	DeclineInsufficientFunds = "insufficient_funds"
	DeclineCardDeclined      = "card_declined"
	DeclineExpiredCard       = "expired_card"
	DeclineGatewayTimeout    = "gateway_timeout"
)

// GatewayResult: ответ платёжного шлюза на capture/lookup/refund.
type GatewayResult struct {
	Reference     string
	Status        PaymentStatus
	DeclineCode   string
	DeclineReason string
}

// GatewayEvent: асинхронное уведомление шлюза (webhook или сообщение из брокера).
type GatewayEvent struct {
	EventID        string
	IdempotencyKey string
	Reference      string
	Status         PaymentStatus
	DeclineCode    string
	DeclineReason  string
	OccurredAt     time.Time
}
