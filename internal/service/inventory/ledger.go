package inventory

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/metrics"
	"github.com/vladislavdragonenkov/checkout-saga/internal/retry"
)

// DefaultRetryConfig: повтор при конкуренции за блокировку SKU.
func DefaultRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:   4,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      200 * time.Millisecond,
		BackoffFactor: 2,
	}
}

// Options задаёт параметры Ledger.
type Options struct {
	Logger  *log.Entry
	Metrics *metrics.SagaMetrics
	Retry   retry.Config
}

// Option настраивает Ledger.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithRetry задаёт политику повторов.
func WithRetry(cfg retry.Config) Option {
	return func(opts *Options) {
		opts.Retry = cfg
	}
}

// Ledger: сервисная обёртка над атомарным хранилищем резервов.
// Временные ошибки блокировок повторяются с ограниченным backoff.
type Ledger struct {
	store   domain.ReservationLedger
	logger  *log.Entry
	metrics *metrics.SagaMetrics
	retry   retry.Config
}

// NewLedger создаёт сервис резервирования.
func NewLedger(store domain.ReservationLedger, options ...Option) *Ledger {
	opts := Options{Retry: DefaultRetryConfig()}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "inventory-ledger")
	}

	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: opts.Metrics,
		retry:   opts.Retry,
	}
}

func isTemporary(err error) bool {
	return errors.Is(err, domain.ErrInventoryTemporary)
}

func (l *Ledger) do(ctx context.Context, op string, fields log.Fields, fn func() error) error {
	return retry.Do(ctx, l.retry, isTemporary, func(attempt int) error {
		err := fn()
		if err != nil && isTemporary(err) {
			l.logger.WithError(err).WithFields(fields).WithFields(log.Fields{
				"operation": op,
				"attempt":   attempt,
			}).Warn("inventory lock contention")
		}
		return err
	})
}

// Reserve резервирует qty единиц SKU под сессию.
func (l *Ledger) Reserve(ctx context.Context, sku string, qty int64, sessionID string, expiresAt time.Time) (domain.Reservation, error) {
	var res domain.Reservation
	fields := log.Fields{"sku": sku, "session_id": sessionID, "qty": qty}
	err := l.do(ctx, "reserve", fields, func() error {
		var err error
		res, err = l.store.Reserve(ctx, sku, qty, sessionID, expiresAt)
		return err
	})
	switch {
	case err == nil:
		l.metrics.RecordReservation("reserved")
		l.logger.WithFields(fields).WithField("reservation_id", res.ID).Debug("inventory reserved")
	case errors.Is(err, domain.ErrInsufficientInventory):
		l.metrics.RecordReservation("insufficient")
		l.logger.WithFields(fields).Info("insufficient inventory")
	default:
		l.metrics.RecordReservation("error")
		l.logger.WithError(err).WithFields(fields).Warn("reserve failed")
	}
	return res, err
}

// Release снимает резерв и возвращает остаток.
func (l *Ledger) Release(ctx context.Context, reservationID string) (domain.Reservation, error) {
	var res domain.Reservation
	fields := log.Fields{"reservation_id": reservationID}
	err := l.do(ctx, "release", fields, func() error {
		var err error
		res, err = l.store.Release(ctx, reservationID)
		return err
	})
	if err != nil {
		l.logger.WithError(err).WithFields(fields).Warn("release failed")
		return res, err
	}
	l.metrics.RecordReservation("released")
	return res, nil
}

// Fulfill фиксирует резерв за оплаченным заказом.
func (l *Ledger) Fulfill(ctx context.Context, reservationID string, now time.Time) (domain.Reservation, error) {
	var res domain.Reservation
	fields := log.Fields{"reservation_id": reservationID}
	err := l.do(ctx, "fulfill", fields, func() error {
		var err error
		res, err = l.store.Fulfill(ctx, reservationID, now)
		return err
	})
	switch {
	case err == nil:
		l.metrics.RecordReservation("fulfilled")
	case errors.Is(err, domain.ErrReservationExpired):
		l.metrics.RecordReservation("expired")
		l.logger.WithFields(fields).Warn("fulfill on expired reservation")
	default:
		l.logger.WithError(err).WithFields(fields).Warn("fulfill failed")
	}
	return res, err
}

// SweepExpired переводит просроченные резервы в EXPIRED.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var expired []domain.Reservation
	err := l.do(ctx, "sweep", log.Fields{"limit": limit}, func() error {
		var err error
		expired, err = l.store.SweepExpired(ctx, now, limit)
		return err
	})
	for range expired {
		l.metrics.RecordReservation("expired")
	}
	return expired, err
}

// ListBySession возвращает резервы сессии.
func (l *Ledger) ListBySession(ctx context.Context, sessionID string) ([]domain.Reservation, error) {
	var list []domain.Reservation
	err := l.do(ctx, "list", log.Fields{"session_id": sessionID}, func() error {
		var err error
		list, err = l.store.ListBySession(ctx, sessionID)
		return err
	})
	return list, err
}

// Stock возвращает учёт по SKU.
func (l *Ledger) Stock(ctx context.Context, sku string) (domain.StockLevel, error) {
	return l.store.Stock(ctx, sku)
}

// SetStock задаёт общий остаток SKU.
func (l *Ledger) SetStock(ctx context.Context, sku string, total int64) (domain.StockLevel, error) {
	var level domain.StockLevel
	err := l.do(ctx, "set_stock", log.Fields{"sku": sku}, func() error {
		var err error
		level, err = l.store.SetStock(ctx, sku, total)
		return err
	})
	if err == nil {
		l.logger.WithFields(log.Fields{"sku": sku, "total": total}).Info("stock level updated")
	}
	return level, err
}

var _ domain.ReservationLedger = (*Ledger)(nil)
