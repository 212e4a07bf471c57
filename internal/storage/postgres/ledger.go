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

const (
	ledgerLockTimeout = "2s"

	reservationColumns = `id, session_id, sku, qty, status, expires_at, created_at, updated_at`
)

// Ledger: учёт остатков в PostgreSQL. Каждая операция идёт в транзакции,
// строка stock_levels блокируется SELECT ... FOR UPDATE с lock_timeout.
// Конкуренция за блокировку возвращается как domain.ErrInventoryTemporary.
type Ledger struct {
	store *Store
}

// NewLedger создаёт PostgreSQL-реализацию ReservationLedger.
func NewLedger(store *Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) Reserve(ctx context.Context, sku string, qty int64, sessionID string, expiresAt time.Time) (domain.Reservation, error) {
	candidate := domain.Reservation{SessionID: sessionID, SKU: sku, Qty: qty}
	if errs := candidate.Validate(); len(errs) > 0 {
		return domain.Reservation{}, domain.NewValidationError(errs...)
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var result domain.Reservation
	err := l.inLedgerTx(ctx, func(tx pgx.Tx) error {
		level, found, err := lockStock(ctx, tx, sku)
		if err != nil {
			return err
		}

		existing, err := scanReservation(tx.QueryRow(ctx, `
			SELECT `+reservationColumns+`
			FROM reservations
			WHERE session_id = $1 AND sku = $2 AND status IN ('RESERVED', 'FULFILLED')
		`, sessionID, sku))
		switch {
		case err == nil:
			result = existing
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("query existing reservation: %w", err)
		}

		if !found || level.Available() < qty {
			return &domain.InsufficientInventoryError{SKU: sku, Requested: qty, Available: max(level.Available(), 0)}
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE stock_levels
			SET reserved = reserved + $2, updated_at = $3
			WHERE sku = $1
		`, sku, qty, now); err != nil {
			return fmt.Errorf("increment reserved: %w", err)
		}

		candidate.ID = uuid.NewString()
		candidate.Status = domain.ReservationStatusReserved
		candidate.ExpiresAt = expiresAt.UTC()
		candidate.CreatedAt = now
		candidate.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations (`+reservationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		`, candidate.ID, candidate.SessionID, candidate.SKU, candidate.Qty,
			string(candidate.Status), candidate.ExpiresAt, now); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		result = candidate
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return result, nil
}

// Release снимает активный резерв и возвращает остаток. Для остальных статусов: no-op.
func (l *Ledger) Release(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return l.transition(ctx, reservationID, func(r *domain.Reservation, level *domain.StockLevel) error {
		if r.Status != domain.ReservationStatusReserved {
			return nil
		}
		level.Reserved -= r.Qty
		r.Status = domain.ReservationStatusReleased
		return nil
	})
}

// Fulfill фиксирует резерв. Просроченный резерв переводится в EXPIRED,
// изменение сохраняется, а вызывающему возвращается *ReservationExpiredError.
func (l *Ledger) Fulfill(ctx context.Context, reservationID string, now time.Time) (domain.Reservation, error) {
	r, err := l.transition(ctx, reservationID, func(r *domain.Reservation, level *domain.StockLevel) error {
		switch r.Status {
		case domain.ReservationStatusFulfilled, domain.ReservationStatusExpired:
			return nil
		case domain.ReservationStatusReleased:
			return domain.ErrInvalidTransition
		}
		level.Reserved -= r.Qty
		if r.ExpiredAt(now) {
			r.Status = domain.ReservationStatusExpired
			return nil
		}
		level.Fulfilled += r.Qty
		r.Status = domain.ReservationStatusFulfilled
		return nil
	})
	if err != nil {
		return r, err
	}
	if r.Status == domain.ReservationStatusExpired {
		return r, expiredError(r)
	}
	return r, nil
}

// SweepExpired переводит просроченные резервы в EXPIRED, начиная с самых старых.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	ids, err := l.expiredIDs(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	swept := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		r, err := l.transition(ctx, id, func(r *domain.Reservation, level *domain.StockLevel) error {
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

func (l *Ledger) expiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := l.store.db.Query(ctx, `
		SELECT id
		FROM reservations
		WHERE status = 'RESERVED' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now.UTC(), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired reservations: %w", err)
	}
	return ids, nil
}

// ListBySession возвращает резервы сессии в порядке создания.
func (l *Ledger) ListBySession(ctx context.Context, sessionID string) ([]domain.Reservation, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := l.store.db.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session reservations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Reservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return result, nil
}

// Stock возвращает учёт по SKU. Неизвестный SKU имеет нулевой остаток.
func (l *Ledger) Stock(ctx context.Context, sku string) (domain.StockLevel, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	level, err := scanStock(l.store.db.QueryRow(ctx, `
		SELECT sku, total, reserved, fulfilled, updated_at
		FROM stock_levels
		WHERE sku = $1
	`, sku))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StockLevel{SKU: sku}, nil
	}
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("query stock: %w", err)
	}
	return level, nil
}

// SetStock задаёт общий остаток. Upsert не срабатывает, если новый total меньше занятого.
func (l *Ledger) SetStock(ctx context.Context, sku string, total int64) (domain.StockLevel, error) {
	if sku == "" {
		return domain.StockLevel{}, domain.NewValidationError(domain.ErrLineSKURequired)
	}
	if total < 0 {
		return domain.StockLevel{}, domain.NewValidationError(domain.ErrStockInvalid)
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	level, err := scanStock(l.store.db.QueryRow(ctx, `
		INSERT INTO stock_levels (sku, total, reserved, fulfilled, updated_at)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (sku) DO UPDATE
		SET total = EXCLUDED.total, updated_at = EXCLUDED.updated_at
		WHERE stock_levels.reserved + stock_levels.fulfilled <= EXCLUDED.total
		RETURNING sku, total, reserved, fulfilled, updated_at
	`, sku, total, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) || pgErrorCode(err) == pgCheckViolation {
		return domain.StockLevel{}, domain.NewValidationError(domain.ErrStockInvalid)
	}
	if err != nil {
		if isContention(err) {
			return domain.StockLevel{}, fmt.Errorf("%w: %v", domain.ErrInventoryTemporary, err)
		}
		return domain.StockLevel{}, fmt.Errorf("set stock: %w", err)
	}
	return level, nil
}

// transition блокирует резерв и строку остатка, применяет mutate и сохраняет
// изменения, если статус резерва поменялся.
func (l *Ledger) transition(ctx context.Context, reservationID string, mutate func(*domain.Reservation, *domain.StockLevel) error) (domain.Reservation, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var result domain.Reservation
	err := l.inLedgerTx(ctx, func(tx pgx.Tx) error {
		r, err := scanReservation(tx.QueryRow(ctx, `
			SELECT `+reservationColumns+`
			FROM reservations
			WHERE id = $1
			FOR UPDATE
		`, reservationID))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrReservationNotFound
		}
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}

		level, _, err := lockStock(ctx, tx, r.SKU)
		if err != nil {
			return err
		}

		before := r.Status
		if err := mutate(&r, &level); err != nil {
			result = r
			return err
		}
		result = r
		if r.Status == before {
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE stock_levels
			SET reserved = $2, fulfilled = $3, updated_at = $4
			WHERE sku = $1
		`, level.SKU, level.Reserved, level.Fulfilled, now); err != nil {
			return fmt.Errorf("update stock: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET status = $2, updated_at = $3 WHERE id = $1
		`, r.ID, string(r.Status), now); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		result.UpdatedAt = now
		return nil
	})
	return result, err
}

// inLedgerTx ставит lock_timeout на транзакцию и переводит ошибки конкуренции
// в domain.ErrInventoryTemporary, чтобы inventory.Ledger мог повторить операцию.
func (l *Ledger) inLedgerTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := l.store.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+ledgerLockTimeout+`'`); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
		return fn(tx)
	})
	if err != nil && isContention(err) {
		return fmt.Errorf("%w: %v", domain.ErrInventoryTemporary, err)
	}
	return err
}

// lockStock блокирует строку остатка. found=false для неизвестного SKU.
func lockStock(ctx context.Context, tx pgx.Tx, sku string) (domain.StockLevel, bool, error) {
	level, err := scanStock(tx.QueryRow(ctx, `
		SELECT sku, total, reserved, fulfilled, updated_at
		FROM stock_levels
		WHERE sku = $1
		FOR UPDATE
	`, sku))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StockLevel{SKU: sku}, false, nil
	}
	if err != nil {
		return domain.StockLevel{}, false, fmt.Errorf("lock stock %s: %w", sku, err)
	}
	return level, true, nil
}

func scanStock(row pgx.Row) (domain.StockLevel, error) {
	var level domain.StockLevel
	if err := row.Scan(&level.SKU, &level.Total, &level.Reserved, &level.Fulfilled, &level.UpdatedAt); err != nil {
		return domain.StockLevel{}, err
	}
	level.UpdatedAt = level.UpdatedAt.UTC()
	return level, nil
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		r      domain.Reservation
		status string
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.SKU, &r.Qty, &status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.Reservation{}, err
	}
	r.Status = domain.ReservationStatus(status)
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
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
