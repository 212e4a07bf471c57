package domain

import "time"

// ReservationStatus отражает статус резервирования товара на складе.
type ReservationStatus string

const (
	// ReservationStatusReserved: товар удерживается под сессию.
	ReservationStatusReserved ReservationStatus = "RESERVED"
	// ReservationStatusReleased: резерв снят компенсацией.
	ReservationStatusReleased ReservationStatus = "RELEASED"
	// ReservationStatusFulfilled: резерв списан в подтверждённый заказ.
	ReservationStatusFulfilled ReservationStatus = "FULFILLED"
	// ReservationStatusExpired: резерв снят по истечении срока.
	ReservationStatusExpired ReservationStatus = "EXPIRED"
)

// CanTransition проверяет допустимость перехода: из RESERVED в любой финальный статус.
func (s ReservationStatus) CanTransition(to ReservationStatus) bool {
	if s != ReservationStatusReserved {
		return false
	}
	switch to {
	case ReservationStatusReleased, ReservationStatusFulfilled, ReservationStatusExpired:
		return true
	default:
		return false
	}
}

// Holding сообщает, удерживает ли резерв остаток.
func (s ReservationStatus) Holding() bool {
	return s == ReservationStatusReserved
}

// Reservation описывает удержание qty единиц SKU под checkout-сессию.
type Reservation struct {
	ID        string
	SessionID string
	SKU       string
	Qty       int64
	Status    ReservationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpiredAt сообщает, что активный резерв просрочен на момент now.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.Status == ReservationStatusReserved && !now.Before(r.ExpiresAt)
}

// Validate проверяет, корректно ли заполнены ключевые поля резервирования.
func (r *Reservation) Validate() []error {
	var errs []error

	if r.SessionID == "" {
		errs = append(errs, ErrSessionIDRequired)
	}
	if r.SKU == "" {
		errs = append(errs, ErrLineSKURequired)
	}
	if r.Qty <= 0 {
		errs = append(errs, ErrReservationQtyInvalid)
	}

	return errs
}

// StockLevel: учёт остатка по SKU. Доступно = Total - Reserved - Fulfilled.
type StockLevel struct {
	SKU       string
	Total     int64
	Reserved  int64
	Fulfilled int64
	UpdatedAt time.Time
}

// Available возвращает количество, которое можно зарезервировать.
func (s StockLevel) Available() int64 {
	return s.Total - s.Reserved - s.Fulfilled
}

// Consistent проверяет инвариант reserved + fulfilled <= total.
func (s StockLevel) Consistent() bool {
	return s.Reserved >= 0 && s.Fulfilled >= 0 && s.Reserved+s.Fulfilled <= s.Total
}
