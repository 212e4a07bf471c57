package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// Ledger: in-memory учёт остатков. Все операции выполняются под одним
// мьютексом: проверка остатка и запись резерва не разделяются, поэтому
// конкурентные резервы не могут превысить общий остаток. Операции по разным
// SKU тоже сериализуются.
type Ledger struct {
	mu           sync.Mutex
	stock        map[string]domain.StockLevel
	reservations map[string]domain.Reservation
	bySession    map[string][]string
}

// NewLedger создаёт пустой учёт остатков.
func NewLedger() *Ledger {
	return &Ledger{
		stock:        make(map[string]domain.StockLevel),
		reservations: make(map[string]domain.Reservation),
		bySession:    make(map[string][]string),
	}
}

// Reserve атомарно проверяет доступный остаток и создаёт резерв.
func (l *Ledger) Reserve(_ context.Context, sku string, qty int64, sessionID string, expiresAt time.Time) (domain.Reservation, error) {
	candidate := domain.Reservation{SessionID: sessionID, SKU: sku, Qty: qty}
	if errs := candidate.Validate(); len(errs) > 0 {
		return domain.Reservation{}, domain.NewValidationError(errs...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range l.bySession[sessionID] {
		existing := l.reservations[id]
		if existing.SKU == sku && (existing.Status == domain.ReservationStatusReserved || existing.Status == domain.ReservationStatusFulfilled) {
			return existing, nil
		}
	}

	level := l.stock[sku]
	level.SKU = sku
	if level.Available() < qty {
		return domain.Reservation{}, &domain.InsufficientInventoryError{SKU: sku, Requested: qty, Available: level.Available()}
	}

	now := time.Now().UTC()
	level.Reserved += qty
	level.UpdatedAt = now
	l.stock[sku] = level

	candidate.ID = uuid.NewString()
	candidate.Status = domain.ReservationStatusReserved
	candidate.ExpiresAt = expiresAt.UTC()
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	l.reservations[candidate.ID] = candidate
	l.bySession[sessionID] = append(l.bySession[sessionID], candidate.ID)

	return candidate, nil
}

// Release снимает активный резерв и возвращает остаток. Для остальных статусов: no-op.
func (l *Ledger) Release(_ context.Context, reservationID string) (domain.Reservation, error) {
	return l.transition(reservationID, func(r *domain.Reservation, level *domain.StockLevel) error {
		if r.Status != domain.ReservationStatusReserved {
			return nil
		}
		level.Reserved -= r.Qty
		r.Status = domain.ReservationStatusReleased
		return nil
	})
}

// Fulfill переводит резерв в FULFILLED. Просроченный резерв помечается EXPIRED.
func (l *Ledger) Fulfill(_ context.Context, reservationID string, now time.Time) (domain.Reservation, error) {
	return l.transition(reservationID, func(r *domain.Reservation, level *domain.StockLevel) error {
		switch r.Status {
		case domain.ReservationStatusFulfilled:
			return nil
		case domain.ReservationStatusExpired:
			return expiredError(*r)
		case domain.ReservationStatusReleased:
			return domain.ErrInvalidTransition
		}
		if r.ExpiredAt(now) {
			level.Reserved -= r.Qty
			r.Status = domain.ReservationStatusExpired
			return nil
		}
		level.Reserved -= r.Qty
		level.Fulfilled += r.Qty
		r.Status = domain.ReservationStatusFulfilled
		return nil
	}, func(r domain.Reservation) error {
		if r.Status == domain.ReservationStatusExpired {
			return expiredError(r)
		}
		return nil
	})
}

// transition применяет mutate под блокировкой учёта. after выполняется
// после сохранения и может превратить результат в ошибку.
func (l *Ledger) transition(reservationID string, mutate func(*domain.Reservation, *domain.StockLevel) error, after ...func(domain.Reservation) error) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	level := l.stock[r.SKU]
	before := r.Status
	if err := mutate(&r, &level); err != nil {
		return r, err
	}
	if r.Status != before {
		now := time.Now().UTC()
		r.UpdatedAt = now
		level.UpdatedAt = now
		l.reservations[reservationID] = r
		l.stock[r.SKU] = level
	}
	for _, fn := range after {
		if err := fn(r); err != nil {
			return r, err
		}
	}
	return r, nil
}

// SweepExpired переводит просроченные резервы в EXPIRED, начиная с самых старых.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	l.mu.Lock()
	var candidates []domain.Reservation
	for _, r := range l.reservations {
		if r.ExpiredAt(now) {
			candidates = append(candidates, r)
		}
	}
	l.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	swept := make([]domain.Reservation, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		r, err := l.transition(c.ID, func(r *domain.Reservation, level *domain.StockLevel) error {
			if !r.ExpiredAt(now) {
				return nil
			}
			level.Reserved -= r.Qty
			r.Status = domain.ReservationStatusExpired
			return nil
		})
		if err != nil {
			return swept, err
		}
		if r.Status == domain.ReservationStatusExpired {
			swept = append(swept, r)
		}
	}
	return swept, nil
}

// ListBySession возвращает резервы сессии в порядке создания.
func (l *Ledger) ListBySession(_ context.Context, sessionID string) ([]domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.bySession[sessionID]
	result := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		result = append(result, l.reservations[id])
	}
	return result, nil
}

// Stock возвращает учёт по SKU. Неизвестный SKU имеет нулевой остаток.
func (l *Ledger) Stock(_ context.Context, sku string) (domain.StockLevel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	level := l.stock[sku]
	level.SKU = sku
	return level, nil
}

// SetStock задаёт общий остаток SKU.
func (l *Ledger) SetStock(_ context.Context, sku string, total int64) (domain.StockLevel, error) {
	if sku == "" {
		return domain.StockLevel{}, domain.NewValidationError(domain.ErrLineSKURequired)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	level := l.stock[sku]
	level.SKU = sku
	level.Total = total
	if !level.Consistent() {
		return domain.StockLevel{}, domain.NewValidationError(domain.ErrStockInvalid)
	}
	level.UpdatedAt = time.Now().UTC()
	l.stock[sku] = level
	return level, nil
}

func expiredError(r domain.Reservation) error {
	return &domain.ReservationExpiredError{
		ReservationID: r.ID,
		SessionID:     r.SessionID,
		SKU:           r.SKU,
		ExpiredAt:     r.ExpiresAt,
	}
}

var _ domain.ReservationLedger = (*Ledger)(nil)
