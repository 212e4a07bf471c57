package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// PaymentRepository: in-memory хранилище платежей с уникальным ключом идемпотентности.
type PaymentRepository struct {
	mu    sync.RWMutex
	byKey map[string]domain.Payment
}

// NewPaymentRepository создаёт in-memory хранилище платежей.
func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{byKey: make(map[string]domain.Payment)}
}

func (r *PaymentRepository) Create(_ context.Context, payment domain.Payment) (domain.Payment, error) {
	if payment.IdempotencyKey == "" {
		return domain.Payment{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[payment.IdempotencyKey]; ok {
		return existing, domain.ErrPaymentAlreadyExists
	}

	now := time.Now().UTC()
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	payment.CreatedAt = now
	payment.UpdatedAt = now
	r.byKey[payment.IdempotencyKey] = payment
	return payment, nil
}

func (r *PaymentRepository) GetByIdempotencyKey(_ context.Context, key string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.byKey[key]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (r *PaymentRepository) Update(_ context.Context, payment domain.Payment, expected domain.PaymentStatus) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byKey[payment.IdempotencyKey]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	if current.Status != expected {
		return current, domain.ErrPaymentStatusConflict
	}

	payment.ID = current.ID
	payment.CreatedAt = current.CreatedAt
	payment.UpdatedAt = time.Now().UTC()
	r.byKey[payment.IdempotencyKey] = payment
	return payment, nil
}

var _ domain.PaymentRepository = (*PaymentRepository)(nil)
