package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/metrics"
	"github.com/vladislavdragonenkov/checkout-saga/internal/retry"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/payment"
)

const (
	maxStepsPerRun      = 16
	defaultRecoverLimit = 1000
)

// Payments: платёжный оркестратор с точки зрения саги.
type Payments interface {
	RequestCapture(ctx context.Context, cmd payment.CaptureCommand) (domain.Payment, error)
	Reverify(ctx context.Context, sessionID string) (domain.Payment, error)
	HandleWebhook(ctx context.Context, event domain.GatewayEvent) (domain.Payment, bool, error)
	Refund(ctx context.Context, sessionID, reason string) (domain.Payment, error)
}

// Projections обновляет read-модель после каждой записи в журнал.
type Projections interface {
	Apply(ctx context.Context, events []domain.OrderEvent) (domain.OrderProjection, error)
}

// CompleteCommand: параметры завершения checkout.
type CompleteCommand struct {
	PaymentMethod string
}

// DefaultConflictRetry: до 5 перечитываний журнала после конфликта последовательности.
func DefaultConflictRetry() retry.Config {
	return retry.Config{
		MaxAttempts:   6,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      200 * time.Millisecond,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// Options задаёт параметры Coordinator.
type Options struct {
	Logger        *log.Entry
	Metrics       *metrics.SagaMetrics
	Clock         func() time.Time
	ConflictRetry retry.Config
}

// Option настраивает Coordinator.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики саги.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithConflictRetry задаёт политику перечитывания журнала при конфликте.
func WithConflictRetry(cfg retry.Config) Option {
	return func(opts *Options) {
		opts.ConflictRetry = cfg
	}
}

// Coordinator ведёт заказ по шагам Reserve -> Pay -> Confirm с компенсациями.
// Состояние саги целиком выводится из журнала событий заказа; между вызовами
// в памяти ничего не хранится.
type Coordinator struct {
	sessions      domain.SessionStore
	events        domain.EventStore
	ledger        domain.ReservationLedger
	payments      Payments
	projections   Projections
	logger        *log.Entry
	metrics       *metrics.SagaMetrics
	now           func() time.Time
	conflictRetry retry.Config
}

// NewCoordinator создаёт координатор саги.
func NewCoordinator(
	sessions domain.SessionStore,
	events domain.EventStore,
	ledger domain.ReservationLedger,
	payments Payments,
	projections Projections,
	options ...Option,
) *Coordinator {
	opts := Options{ConflictRetry: DefaultConflictRetry()}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "saga")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Coordinator{
		sessions:      sessions,
		events:        events,
		ledger:        ledger,
		payments:      payments,
		projections:   projections,
		logger:        logger,
		metrics:       opts.Metrics,
		now:           clock,
		conflictRetry: opts.ConflictRetry,
	}
}

// Complete запускает сагу для сессии. Повторный вызов продолжает или
// возвращает уже известный итог: ошибка итога отражает терминальный статус заказа.
func (c *Coordinator) Complete(ctx context.Context, sessionID string, cmd CompleteCommand) (domain.OrderProjection, error) {
	if cmd.PaymentMethod == "" {
		return domain.OrderProjection{}, domain.NewValidationError(domain.ErrPaymentMethodRequired)
	}

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.OrderProjection{}, err
	}

	switch session.Status {
	case domain.SessionStatusCompleted, domain.SessionStatusAbandoned:
		return c.drive(ctx, session, func(r *run) error { return c.advance(ctx, r) })
	case domain.SessionStatusExpired:
		return domain.OrderProjection{}, fmt.Errorf("%w: %s", domain.ErrSessionExpired, session.ID)
	case domain.SessionStatusPending:
		if session.Expired(c.now()) {
			if _, err := c.Expire(ctx, session.ID, domain.ReasonSessionExpired); err != nil {
				c.logger.WithError(err).WithField("session_id", session.ID).Warn("expire on complete failed")
			}
			return domain.OrderProjection{}, fmt.Errorf("%w: %s", domain.ErrSessionExpired, session.ID)
		}
		updated, err := c.sessions.UpdateStatus(ctx, session.ID, domain.SessionStatusPaymentProcessing)
		switch {
		case err == nil:
			session = updated
		case errors.Is(err, domain.ErrInvalidTransition):
			// Параллельный вызов уже довёл сагу до итога.
			current, getErr := c.sessions.Get(ctx, session.ID)
			if getErr != nil {
				return domain.OrderProjection{}, getErr
			}
			if current.Status == domain.SessionStatusExpired {
				return domain.OrderProjection{}, fmt.Errorf("%w: %s", domain.ErrSessionExpired, session.ID)
			}
			session = current
		default:
			return domain.OrderProjection{}, fmt.Errorf("mark session processing: %w", err)
		}
	}

	return c.drive(ctx, session, func(r *run) error {
		r.paymentMethod = cmd.PaymentMethod
		return c.advance(ctx, r)
	})
}

// Resume продолжает сагу с последнего записанного события.
// Повторяются только идемпотентные шаги; платёж сверяется по ключу идемпотентности.
func (c *Coordinator) Resume(ctx context.Context, orderID string) (domain.OrderProjection, error) {
	session, err := c.sessionOfOrder(ctx, orderID)
	if err != nil {
		return domain.OrderProjection{}, err
	}
	return c.drive(ctx, session, func(r *run) error { return c.advance(ctx, r) })
}

// RecoverInFlight продолжает все саги, прерванные остановкой процесса.
func (c *Coordinator) RecoverInFlight(ctx context.Context) (int, error) {
	sessions, err := c.sessions.ListByStatus(ctx, domain.SessionStatusPaymentProcessing, defaultRecoverLimit)
	if err != nil {
		return 0, fmt.Errorf("list in-flight sessions: %w", err)
	}

	resumed := 0
	for _, session := range sessions {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		fields := log.Fields{"session_id": session.ID, "order_id": session.OrderID}
		p, err := c.drive(ctx, session, func(r *run) error { return c.advance(ctx, r) })
		if err != nil && !IsOutcome(err) {
			c.logger.WithError(err).WithFields(fields).Warn("saga recovery failed")
			continue
		}
		resumed++
		c.logger.WithFields(fields).WithField("status", p.Status).Info("saga recovered")
	}
	return resumed, nil
}

// Expire компенсирует сагу истёкшей сессии: снимает резервы и отменяет заказ,
// если платёж не был списан. Списанный платёж доводится до подтверждения или сверки.
func (c *Coordinator) Expire(ctx context.Context, sessionID, reason string) (domain.OrderProjection, error) {
	if reason == "" {
		reason = domain.ReasonSessionExpired
	}
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.OrderProjection{}, err
	}

	p, err := c.drive(ctx, session, func(r *run) error {
		if r.proj.Sequence == 0 {
			return c.expireUnstarted(ctx, r)
		}
		if err := c.expire(ctx, r, reason); err != nil {
			return err
		}
		return c.advance(ctx, r)
	})
	if IsOutcome(err) {
		return p, nil
	}
	return p, err
}

// HandlePaymentEvent применяет уведомление шлюза и продолжает ожидающий заказ.
// Списание по уже отменённому заказу переводит его на ручную сверку и
// возвращает *ReservationExpiredError.
func (c *Coordinator) HandlePaymentEvent(ctx context.Context, event domain.GatewayEvent) (domain.OrderProjection, error) {
	pay, changed, err := c.payments.HandleWebhook(ctx, event)
	if err != nil {
		return domain.OrderProjection{}, err
	}

	session, err := c.sessions.Get(ctx, pay.SessionID)
	if err != nil {
		return domain.OrderProjection{}, err
	}
	c.logger.WithFields(log.Fields{
		"session_id": session.ID,
		"order_id":   session.OrderID,
		"status":     pay.Status,
		"changed":    changed,
	}).Info("payment event received")

	return c.drive(ctx, session, func(r *run) error {
		switch r.proj.Status {
		case domain.OrderStatusPaymentPending:
			if r.proj.PaymentStatus.Open() {
				if err := c.recordPayment(ctx, r, pay, nil); err != nil {
					return err
				}
			}
			return c.advance(ctx, r)
		case domain.OrderStatusCancelled, domain.OrderStatusPaymentFailed:
			if pay.Status != domain.PaymentStatusCaptured {
				return nil
			}
			r.failure = &domain.ReservationExpiredError{SessionID: session.ID, ExpiredAt: session.ExpiresAt}
			if err := c.reconcile(ctx, r, pay.GatewayReference, domain.ReasonLateCapture, nil); err != nil {
				return err
			}
			return c.advance(ctx, r)
		default:
			return nil
		}
	})
}

// Refund возвращает деньги по подтверждённому заказу или заказу на сверке.
func (c *Coordinator) Refund(ctx context.Context, orderID, reason string) (domain.OrderProjection, error) {
	session, err := c.sessionOfOrder(ctx, orderID)
	if err != nil {
		return domain.OrderProjection{}, err
	}

	return c.drive(ctx, session, func(r *run) error {
		if r.proj.Status == domain.OrderStatusRefunded {
			return nil
		}
		if !r.proj.Status.Refundable() {
			return fmt.Errorf("%w: refund not allowed for order in status %s", domain.ErrInvalidTransition, r.proj.Status)
		}

		start := c.now()
		pay, err := c.payments.Refund(ctx, session.ID, reason)
		if err != nil {
			return fmt.Errorf("refund payment: %w", err)
		}
		defer c.metrics.RecordStepDuration(string(domain.SagaStepRefund), c.now().Sub(start))

		return c.append(ctx, r, pending{domain.EventOrderRefunded, domain.OrderRefundedPayload{
			PaymentReference: pay.GatewayReference,
			AmountMinor:      pay.AmountMinor,
			Reason:           reason,
		}})
	})
}

func (c *Coordinator) sessionOfOrder(ctx context.Context, orderID string) (domain.CheckoutSession, error) {
	events, err := c.events.Load(ctx, orderID)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return domain.CheckoutSession{}, domain.ErrOrderNotFound
	}
	var initiated domain.CheckoutInitiatedPayload
	if err := events[0].Decode(&initiated); err != nil {
		return domain.CheckoutSession{}, err
	}
	return c.sessions.Get(ctx, initiated.SessionID)
}

// IsOutcome сообщает, что ошибка описывает итог заказа, а не сбой обработки.
func IsOutcome(err error) bool {
	return errors.Is(err, domain.ErrInsufficientInventory) ||
		errors.Is(err, domain.ErrPaymentDeclined) ||
		errors.Is(err, domain.ErrPaymentGatewayTimeout) ||
		errors.Is(err, domain.ErrReservationExpired) ||
		errors.Is(err, domain.ErrSessionExpired)
}
