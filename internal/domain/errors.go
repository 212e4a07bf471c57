package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation: базовая ошибка для всех нарушений входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientInventory: на складе недостаточно доступного остатка.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrPaymentDeclined: платёж отклонён провайдером (бизнес-ошибка).
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrPaymentGatewayTimeout: провайдер не ответил за отведённое число попыток.
	ErrPaymentGatewayTimeout = errors.New("payment gateway timeout")
	// ErrConcurrencyConflict: ожидаемая последовательность событий не совпала с сохранённой.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrReservationExpired: резерв истёк до фиксации заказа.
	ErrReservationExpired = errors.New("reservation expired")
)

var (
	// Ошибка отсутствующего идентификатора сессии.
	ErrSessionIDRequired = errors.New("session_id is required")
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одной позиции в корзине.
	ErrLinesRequired = errors.New("cart must contain at least one line")
	// Ошибка отсутствующего SKU в позиции.
	ErrLineSKURequired = errors.New("line sku is required")
	// Ошибка повторяющегося SKU в корзине.
	ErrLineSKUDuplicate = errors.New("line sku must be unique")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrLineQtyInvalid = errors.New("line qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrLinePriceInvalid = errors.New("line unit price must be non-negative")
	// Ошибка отрицательного налога или доставки.
	ErrChargesNegative = errors.New("tax and shipping must be non-negative")
	// Ошибка несоответствия итоговой суммы и суммы позиций.
	ErrTotalMismatch = errors.New("total does not match lines + tax + shipping")
	// Ошибка переполнения при подсчёте суммы корзины.
	ErrAmountOverflow = errors.New("amount overflows int64 minor units")
	// Ошибка неполного адреса.
	ErrAddressInvalid = errors.New("address is incomplete")
	// Ошибка отсутствующего способа оплаты.
	ErrPaymentMethodRequired = errors.New("payment method is required")
	// Ошибка отрицательной суммы платежа.
	ErrPaymentAmountNegative = errors.New("payment amount must be non-negative")
	// Ошибка несоответствия суммы платежа для одного ключа идемпотентности.
	ErrPaymentAmountMismatch = errors.New("payment amount differs from original request")
	// Ошибка некорректного количества в резерве.
	ErrReservationQtyInvalid = errors.New("reservation qty must be greater than zero")
	// Ошибка некорректного остатка (меньше уже занятого).
	ErrStockInvalid = errors.New("stock total is below reserved + fulfilled")
)

var (
	// ErrSessionNotFound возвращается, если checkout-сессия не найдена.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrSessionExpired: сессия истекла и не может быть завершена.
	ErrSessionExpired = errors.New("checkout session expired")
	// ErrSessionClosed: сессия уже в терминальном статусе.
	ErrSessionClosed = errors.New("checkout session closed")
	// ErrSessionAlreadyExists возвращается при повторном создании сессии с тем же ID.
	ErrSessionAlreadyExists = errors.New("checkout session already exists")
	// ErrOrderNotFound возвращается, если для заказа нет ни одного события.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound возвращается, если платёж по ключу не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentAlreadyExists: платёж с таким ключом идемпотентности уже создан.
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	// ErrPaymentStatusConflict: событие провайдера противоречит терминальному статусу платежа.
	ErrPaymentStatusConflict = errors.New("payment status conflict")
	// ErrReservationNotFound возвращается для неизвестного резерва.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrInvalidTransition: переход статуса не разрешён автоматом.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInventoryTemporary: временная ошибка склада (конкуренция за блокировку), можно повторить.
	ErrInventoryTemporary = errors.New("inventory temporary error")
	// ErrPaymentTemporary: временная ошибка платёжного провайдера.
	ErrPaymentTemporary = errors.New("payment temporary error")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

var (
	// Ошибка пустого idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// Ошибка слишком длинного idempotency-key.
	ErrIdempotencyKeyTooLong = errors.New("idempotency key is too long")
	// Ошибка пустого хеша запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// Ключ уже использован с тем же телом запроса.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// Ключ уже использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// Ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// ValidationError объединяет все нарушения входных данных одного запроса.
type ValidationError struct {
	Problems []error
}

// NewValidationError собирает ValidationError из списка нарушений.
func NewValidationError(problems ...error) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() []error { return e.Problems }

// InsufficientInventoryError сообщает, какой SKU не удалось зарезервировать.
type InsufficientInventoryError struct {
	SKU       string
	Requested int64
	Available int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("%s: sku %s requested %d available %d", ErrInsufficientInventory, e.SKU, e.Requested, e.Available)
}

func (e *InsufficientInventoryError) Is(target error) bool { return target == ErrInsufficientInventory }

// PaymentDeclinedError несёт код отказа провайдера.
type PaymentDeclinedError struct {
	SessionID string
	Code      string
	Reason    string
}

func (e *PaymentDeclinedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", ErrPaymentDeclined, e.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrPaymentDeclined, e.Code, e.Reason)
}

func (e *PaymentDeclinedError) Is(target error) bool { return target == ErrPaymentDeclined }

// PaymentGatewayTimeoutError возвращается после исчерпания попыток обращения к провайдеру.
type PaymentGatewayTimeoutError struct {
	SessionID string
	Attempts  int
	Err       error
}

func (e *PaymentGatewayTimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s after %d attempts", ErrPaymentGatewayTimeout, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrPaymentGatewayTimeout, e.Attempts, e.Err)
}

func (e *PaymentGatewayTimeoutError) Is(target error) bool { return target == ErrPaymentGatewayTimeout }

func (e *PaymentGatewayTimeoutError) Unwrap() error { return e.Err }

// ConcurrencyConflictError фиксирует расхождение ожидаемой и фактической последовательности.
type ConcurrencyConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s: aggregate %s expected sequence %d, actual %d", ErrConcurrencyConflict, e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// ReservationExpiredError возвращается при попытке зафиксировать истёкший резерв.
type ReservationExpiredError struct {
	ReservationID string
	SessionID     string
	SKU           string
	ExpiredAt     time.Time
}

func (e *ReservationExpiredError) Error() string {
	return fmt.Sprintf("%s: reservation %s (sku %s) expired at %s", ErrReservationExpired, e.ReservationID, e.SKU, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e *ReservationExpiredError) Is(target error) bool { return target == ErrReservationExpired }

// IsConcurrencyConflict проверяет, является ли ошибка конфликтом последовательности.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsRetryable сообщает, можно ли повторить операцию после ошибки.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInventoryTemporary) ||
		errors.Is(err, ErrPaymentTemporary) ||
		errors.Is(err, ErrConcurrencyConflict)
}
