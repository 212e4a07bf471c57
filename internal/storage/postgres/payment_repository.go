package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

const paymentColumns = `id, session_id, idempotency_key, amount_minor, currency, payment_method, status,
	gateway_reference, failure_code, failure_reason, attempts, created_at, updated_at`

type paymentRepository struct {
	db DB
}

// NewPaymentRepository создаёт PostgreSQL-реализацию PaymentRepository.
// Уникальный индекс по idempotency_key гарантирует один платёж на сессию между процессами.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{db: store.DB()}
}

func (r *paymentRepository) Create(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	if payment.IdempotencyKey == "" {
		return domain.Payment{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	payment.CreatedAt = now
	payment.UpdatedAt = now

	tag, err := r.db.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		payment.ID, payment.SessionID, payment.IdempotencyKey, payment.AmountMinor, payment.Currency,
		payment.PaymentMethod, string(payment.Status), payment.GatewayReference, payment.FailureCode,
		payment.FailureReason, payment.Attempts, now,
	)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.GetByIdempotencyKey(ctx, payment.IdempotencyKey)
		if err != nil {
			return domain.Payment{}, err
		}
		return existing, domain.ErrPaymentAlreadyExists
	}

	return payment, nil
}

func (r *paymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	payment, err := scanPayment(r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE idempotency_key = $1
	`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	if err != nil {
		return domain.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return payment, nil
}

// Update: compare-and-set по статусу: строка меняется, только если её статус равен expected.
func (r *paymentRepository) Update(ctx context.Context, payment domain.Payment, expected domain.PaymentStatus) (domain.Payment, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	updated, err := scanPayment(r.db.QueryRow(ctx, `
		UPDATE payments
		SET amount_minor = $3,
		    currency = $4,
		    payment_method = $5,
		    status = $6,
		    gateway_reference = $7,
		    failure_code = $8,
		    failure_reason = $9,
		    attempts = $10,
		    updated_at = $11
		WHERE idempotency_key = $1 AND status = $2
		RETURNING `+paymentColumns,
		payment.IdempotencyKey, string(expected), payment.AmountMinor, payment.Currency, payment.PaymentMethod,
		string(payment.Status), payment.GatewayReference, payment.FailureCode, payment.FailureReason,
		payment.Attempts, time.Now().UTC(),
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, fmt.Errorf("update payment: %w", err)
	}

	current, getErr := r.GetByIdempotencyKey(ctx, payment.IdempotencyKey)
	if getErr != nil {
		return domain.Payment{}, getErr
	}
	return current, domain.ErrPaymentStatusConflict
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p      domain.Payment
		status string
	)
	if err := row.Scan(
		&p.ID, &p.SessionID, &p.IdempotencyKey, &p.AmountMinor, &p.Currency, &p.PaymentMethod, &status,
		&p.GatewayReference, &p.FailureCode, &p.FailureReason, &p.Attempts, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Payment{}, err
	}
	p.Status = domain.PaymentStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
