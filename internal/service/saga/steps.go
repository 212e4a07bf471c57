package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/correlation"
	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/retry"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/payment"
)

// run: состояние одного прохода саги, восстановленное из журнала.
type run struct {
	session       domain.CheckoutSession
	proj          domain.OrderProjection
	correlationID string
	paymentMethod string
	// failure: типизированный итог, полученный на этом проходе.
	failure    error
	settledNow bool
}

type pending struct {
	eventType domain.EventType
	payload   any
}

// drive восстанавливает заказ из журнала и выполняет fn. При конфликте
// последовательности журнал перечитывается и fn выполняется заново.
func (c *Coordinator) drive(ctx context.Context, session domain.CheckoutSession, fn func(*run) error) (domain.OrderProjection, error) {
	ctx, correlationID := correlation.Ensure(ctx)

	var result domain.OrderProjection
	err := retry.Do(ctx, c.conflictRetry, domain.IsConcurrencyConflict, func(attempt int) error {
		if attempt > 1 {
			c.metrics.RecordAppendConflict()
			c.logger.WithFields(log.Fields{
				"order_id": session.OrderID,
				"attempt":  attempt,
			}).Debug("order stream changed concurrently, reloading")

			fresh, err := c.sessions.Get(ctx, session.ID)
			if err != nil {
				return err
			}
			session = fresh
		}

		events, err := c.events.Load(ctx, session.OrderID)
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}
		proj, err := domain.Replay(events)
		if err != nil {
			return fmt.Errorf("replay order %s: %w", session.OrderID, err)
		}

		r := &run{session: session, proj: proj, correlationID: correlationID}
		err = fn(r)
		result = r.proj
		return err
	})
	return result, err
}

// advance двигает заказ по автомату, пока он не осядет в терминальном
// статусе или не станет ждать асинхронного ответа шлюза.
func (c *Coordinator) advance(ctx context.Context, r *run) error {
	for i := 0; i < maxStepsPerRun; i++ {
		if r.proj.Status.Settled() {
			settled := r.proj.Status
			if err := c.checkLateCapture(ctx, r); err != nil {
				return err
			}
			if r.proj.Status == settled {
				return c.finish(ctx, r)
			}
			continue
		}

		var (
			step  domain.SagaStep
			async bool
			err   error
		)
		start := c.now()
		switch {
		case r.proj.Sequence == 0:
			step = domain.SagaStepInitiate
			err = c.initiate(ctx, r)
		case r.proj.Status == domain.OrderStatusInitiated:
			step = domain.SagaStepReserve
			err = c.reserve(ctx, r)
		case r.proj.Status == domain.OrderStatusInventoryReserved:
			step = domain.SagaStepPay
			err = c.requestPayment(ctx, r)
		case r.proj.Status == domain.OrderStatusPaymentPending:
			switch r.proj.PaymentStatus {
			case domain.PaymentStatusCaptured:
				step = domain.SagaStepConfirm
				err = c.confirm(ctx, r)
			case domain.PaymentStatusFailed:
				step = domain.SagaStepRelease
				err = c.failPayment(ctx, r)
			default:
				step = domain.SagaStepPay
				async, err = c.pay(ctx, r)
			}
		default:
			return fmt.Errorf("%w: unexpected order status %q", domain.ErrInvalidTransition, r.proj.Status)
		}
		c.metrics.RecordStepDuration(string(step), c.now().Sub(start))

		if err != nil {
			return err
		}
		if async {
			c.logger.WithFields(log.Fields{
				"order_id":   r.proj.OrderID,
				"session_id": r.session.ID,
			}).Info("payment pending at gateway, waiting for settlement")
			return nil
		}
	}
	return fmt.Errorf("order %s did not settle after %d steps", r.session.OrderID, maxStepsPerRun)
}

// append дописывает события от последней известной позиции и доворачивает проекцию прохода.
func (c *Coordinator) append(ctx context.Context, r *run, items ...pending) error {
	now := c.now().UTC()
	events := make([]domain.OrderEvent, 0, len(items))
	for _, item := range items {
		e, err := domain.NewEvent(uuid.NewString(), r.session.OrderID, item.eventType, item.payload, r.correlationID, now)
		if err != nil {
			return err
		}
		events = append(events, e)
	}

	appended, err := c.events.Append(ctx, r.session.OrderID, r.proj.Sequence, events...)
	if err != nil {
		if domain.IsConcurrencyConflict(err) {
			return err
		}
		return fmt.Errorf("append %s: %w", items[0].eventType, err)
	}

	wasSettled := r.proj.Status.Settled()
	for _, e := range appended {
		if err := r.proj.Apply(e); err != nil {
			return fmt.Errorf("fold appended %s: %w", e.Type, err)
		}
		c.metrics.RecordEventAppended(string(e.Type))
		c.logger.WithFields(log.Fields{
			"order_id":       e.AggregateID,
			"session_id":     r.session.ID,
			"event":          e.Type,
			"sequence":       e.Sequence,
			"correlation_id": e.CorrelationID,
		}).Debug("order event appended")
	}
	if !wasSettled && r.proj.Status.Settled() {
		r.settledNow = true
	}

	if c.projections != nil {
		if _, err := c.projections.Apply(ctx, appended); err != nil {
			c.logger.WithError(err).WithField("order_id", r.session.OrderID).Warn("projection update failed")
		}
	}
	return nil
}

func (c *Coordinator) initiate(ctx context.Context, r *run) error {
	if r.paymentMethod == "" {
		return domain.NewValidationError(domain.ErrPaymentMethodRequired)
	}
	if err := c.append(ctx, r, pending{domain.EventCheckoutInitiated, domain.InitiatedPayloadOf(r.session, r.paymentMethod)}); err != nil {
		return err
	}
	c.metrics.RecordSagaStarted()
	c.logger.WithFields(log.Fields{
		"order_id":    r.session.OrderID,
		"session_id":  r.session.ID,
		"total_minor": r.session.TotalMinor,
	}).Info("checkout saga started")
	return nil
}

func (c *Coordinator) reserve(ctx context.Context, r *run) error {
	if r.session.Expired(c.now()) {
		r.failure = sessionExpired(r.session)
		return c.cancel(ctx, r, domain.ReasonSessionExpired)
	}

	lines := append([]domain.CartLine(nil), r.session.Lines...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].SKU < lines[j].SKU })

	refs := make([]domain.ReservationRef, 0, len(lines))
	for _, line := range lines {
		res, err := c.ledger.Reserve(ctx, line.SKU, line.Qty, r.session.ID, r.session.ExpiresAt)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientInventory) {
				r.failure = err
				return c.cancel(ctx, r, domain.ReasonInsufficientInventory)
			}
			return fmt.Errorf("reserve %s: %w", line.SKU, err)
		}
		refs = append(refs, domain.ReservationRef{
			ReservationID: res.ID,
			SKU:           res.SKU,
			Qty:           res.Qty,
			ExpiresAt:     res.ExpiresAt.UTC(),
		})
	}

	return c.append(ctx, r, pending{domain.EventInventoryReserved, domain.InventoryReservedPayload{
		SessionID:    r.session.ID,
		Reservations: refs,
	}})
}

func (c *Coordinator) requestPayment(ctx context.Context, r *run) error {
	if r.session.Expired(c.now()) {
		r.failure = sessionExpired(r.session)
		return c.cancel(ctx, r, domain.ReasonSessionExpired)
	}
	return c.append(ctx, r, pending{domain.EventPaymentRequested, domain.PaymentRequestedPayload{
		IdempotencyKey: r.session.ID,
		AmountMinor:    r.proj.TotalMinor,
		Currency:       r.proj.Currency,
		PaymentMethod:  r.proj.PaymentMethod,
	}})
}

// pay запрашивает списание. Возвращает true, если итог придёт асинхронно.
// После истечения сессии новое списание не запрашивается, платёж только сверяется.
func (c *Coordinator) pay(ctx context.Context, r *run) (bool, error) {
	if r.session.Expired(c.now()) {
		pay, err := c.payments.Reverify(ctx, r.session.ID)
		if errors.Is(err, domain.ErrPaymentNotFound) || (err == nil && pay.Status.Open()) {
			r.failure = sessionExpired(r.session)
			return false, c.cancel(ctx, r, domain.ReasonSessionExpired)
		}
		if err != nil {
			return false, fmt.Errorf("reverify payment: %w", err)
		}
		return false, c.recordPayment(ctx, r, pay, nil)
	}

	pay, err := c.payments.RequestCapture(ctx, payment.CaptureCommand{
		SessionID:     r.session.ID,
		AmountMinor:   r.proj.TotalMinor,
		Currency:      r.proj.Currency,
		PaymentMethod: r.proj.PaymentMethod,
	})
	if err != nil && !errors.Is(err, domain.ErrPaymentDeclined) && !errors.Is(err, domain.ErrPaymentGatewayTimeout) {
		return false, fmt.Errorf("request capture: %w", err)
	}
	if pay.Status.Open() {
		return true, nil
	}
	return false, c.recordPayment(ctx, r, pay, err)
}

// recordPayment записывает итог платежа в журнал. cause: типизированная ошибка отказа.
func (c *Coordinator) recordPayment(ctx context.Context, r *run, pay domain.Payment, cause error) error {
	switch pay.Status {
	case domain.PaymentStatusCaptured:
		return c.append(ctx, r, pending{domain.EventPaymentCaptured, domain.PaymentCapturedPayload{
			PaymentID:   pay.ID,
			Reference:   pay.GatewayReference,
			AmountMinor: pay.AmountMinor,
			Currency:    pay.Currency,
		}})
	case domain.PaymentStatusFailed:
		if cause != nil {
			r.failure = cause
		}
		return c.append(ctx, r, pending{domain.EventPaymentFailed, domain.PaymentFailedPayload{
			PaymentID: pay.ID,
			Code:      pay.FailureCode,
			Reason:    pay.FailureReason,
		}})
	case domain.PaymentStatusPending, domain.PaymentStatusAuthorized:
		return nil
	default:
		return fmt.Errorf("%w: payment %s is %s", domain.ErrPaymentStatusConflict, pay.ID, pay.Status)
	}
}

// confirm фиксирует резервы после списания. Сначала проверяются все резервы:
// если хотя бы один истёк, ни один не фиксируется. Резервы, зафиксированные
// до истечения следующего, попадают в событие сверки.
func (c *Coordinator) confirm(ctx context.Context, r *run) error {
	now := c.now()
	held := r.proj.HeldReservations()

	expired, err := c.firstExpired(ctx, r, held, now)
	if err != nil {
		return err
	}
	if expired != nil {
		r.failure = expired
		return c.reconcile(ctx, r, r.proj.PaymentReference, domain.ReasonReservationExpired, nil)
	}

	var fulfilled []string
	for _, res := range held {
		if _, err := c.ledger.Fulfill(ctx, res.ReservationID, now); err != nil {
			var expiredErr *domain.ReservationExpiredError
			if errors.As(err, &expiredErr) {
				r.failure = err
				return c.reconcile(ctx, r, r.proj.PaymentReference, domain.ReasonReservationExpired, fulfilled)
			}
			return fmt.Errorf("fulfill %s: %w", res.ReservationID, err)
		}
		fulfilled = append(fulfilled, res.ReservationID)
	}

	return c.append(ctx, r, pending{domain.EventOrderConfirmed, domain.OrderConfirmedPayload{
		SessionID:  r.session.ID,
		TotalMinor: r.proj.TotalMinor,
		Currency:   r.proj.Currency,
		Fulfilled:  len(held),
	}})
}

func (c *Coordinator) failPayment(ctx context.Context, r *run) error {
	reason := domain.ReasonPaymentDeclined
	if r.proj.FailureCode == domain.DeclineGatewayTimeout {
		reason = domain.ReasonGatewayTimeout
	}

	ids, err := c.releaseSession(ctx, r)
	if err != nil {
		return err
	}

	var items []pending
	if len(ids) > 0 {
		items = append(items, pending{domain.EventInventoryReleased, domain.InventoryReleasedPayload{
			SessionID:      r.session.ID,
			ReservationIDs: ids,
			Reason:         reason,
		}})
	}
	items = append(items, pending{domain.EventOrderFailed, domain.OrderFailedPayload{
		SessionID: r.session.ID,
		Code:      r.proj.FailureCode,
		Reason:    reason,
	}})
	return c.append(ctx, r, items...)
}

// cancel снимает резервы сессии и отменяет заказ до списания.
func (c *Coordinator) cancel(ctx context.Context, r *run, reason string) error {
	ids, err := c.releaseSession(ctx, r)
	if err != nil {
		return err
	}

	var items []pending
	if len(ids) > 0 {
		items = append(items, pending{domain.EventInventoryReleased, domain.InventoryReleasedPayload{
			SessionID:      r.session.ID,
			ReservationIDs: ids,
			Reason:         reason,
		}})
	}
	items = append(items, pending{domain.EventOrderCancelled, domain.OrderCancelledPayload{
		SessionID: r.session.ID,
		Reason:    reason,
	}})

	c.logger.WithFields(log.Fields{
		"order_id":   r.session.OrderID,
		"session_id": r.session.ID,
		"reason":     reason,
		"released":   len(ids),
	}).Info("order cancelled")
	return c.append(ctx, r, items...)
}

// reconcile фиксирует списанный платёж, под который нет товара.
// Деньги автоматически не возвращаются.
// firstExpired возвращает ошибку первого резерва из held, который истёк к моменту now.
func (c *Coordinator) firstExpired(ctx context.Context, r *run, held []domain.ProjectionReservation, now time.Time) (*domain.ReservationExpiredError, error) {
	list, err := c.ledger.ListBySession(ctx, r.session.ID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	byID := make(map[string]domain.Reservation, len(list))
	for _, res := range list {
		byID[res.ID] = res
	}
	for _, h := range held {
		res, ok := byID[h.ReservationID]
		if !ok {
			continue
		}
		if res.Status == domain.ReservationStatusExpired || res.ExpiredAt(now) {
			return &domain.ReservationExpiredError{
				ReservationID: res.ID,
				SessionID:     res.SessionID,
				SKU:           res.SKU,
				ExpiredAt:     res.ExpiresAt,
			}, nil
		}
	}
	return nil, nil
}

// reconcile переводит заказ со списанным платежом на сверку. fulfilled:
// резервы, которые уже зафиксированы и не будут возвращены в остаток.
func (c *Coordinator) reconcile(ctx context.Context, r *run, reference, reason string, fulfilled []string) error {
	var items []pending
	if len(r.proj.HeldReservations()) > 0 {
		ids, err := c.releaseSession(ctx, r)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			items = append(items, pending{domain.EventInventoryReleased, domain.InventoryReleasedPayload{
				SessionID:      r.session.ID,
				ReservationIDs: ids,
				Reason:         domain.ReasonReservationExpired,
			}})
		}
	}
	items = append(items, pending{domain.EventReconciliationRequired, domain.ReconciliationRequiredPayload{
		SessionID:        r.session.ID,
		PaymentReference: reference,
		AmountMinor:      r.proj.TotalMinor,
		Reason:           reason,
		Fulfilled:        fulfilled,
	}})

	if err := c.append(ctx, r, items...); err != nil {
		return err
	}
	c.metrics.RecordReconciliationRequired()
	c.logger.WithFields(log.Fields{
		"order_id":          r.session.OrderID,
		"session_id":        r.session.ID,
		"payment_reference": reference,
		"reason":            reason,
		"fulfilled":         fulfilled,
	}).Warn("captured payment requires reconciliation")
	return nil
}

// checkLateCapture переводит отменённый заказ на сверку, если платёж по нему всё-таки списан.
func (c *Coordinator) checkLateCapture(ctx context.Context, r *run) error {
	if r.proj.Status != domain.OrderStatusCancelled && r.proj.Status != domain.OrderStatusPaymentFailed {
		return nil
	}
	if r.proj.PaymentStatus == "" || r.proj.PaymentStatus == domain.PaymentStatusCaptured {
		return nil
	}

	pay, err := c.payments.Reverify(ctx, r.session.ID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reverify payment: %w", err)
	}
	if pay.Status != domain.PaymentStatusCaptured {
		return nil
	}

	r.failure = &domain.ReservationExpiredError{SessionID: r.session.ID, ExpiredAt: r.session.ExpiresAt}
	return c.reconcile(ctx, r, pay.GatewayReference, domain.ReasonLateCapture, nil)
}

// releaseSession снимает все активные резервы сессии и возвращает идентификаторы
// резервов, которые больше не удерживают остаток.
func (c *Coordinator) releaseSession(ctx context.Context, r *run) ([]string, error) {
	list, err := c.ledger.ListBySession(ctx, r.session.ID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}

	var ids []string
	for _, res := range list {
		switch res.Status {
		case domain.ReservationStatusReserved:
			if _, err := c.ledger.Release(ctx, res.ID); err != nil {
				return nil, fmt.Errorf("release %s: %w", res.ID, err)
			}
			ids = append(ids, res.ID)
		case domain.ReservationStatusReleased, domain.ReservationStatusExpired:
			ids = append(ids, res.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// expire компенсирует незавершённый заказ истёкшей сессии.
func (c *Coordinator) expire(ctx context.Context, r *run, reason string) error {
	switch r.proj.Status {
	case domain.OrderStatusInitiated, domain.OrderStatusInventoryReserved:
		r.failure = sessionExpired(r.session)
		return c.cancel(ctx, r, reason)
	case domain.OrderStatusPaymentPending:
		if !r.proj.PaymentStatus.Open() {
			return nil
		}
		pay, err := c.payments.Reverify(ctx, r.session.ID)
		if errors.Is(err, domain.ErrPaymentNotFound) || (err == nil && pay.Status.Open()) {
			r.failure = sessionExpired(r.session)
			return c.cancel(ctx, r, reason)
		}
		if err != nil {
			return fmt.Errorf("reverify payment: %w", err)
		}
		return c.recordPayment(ctx, r, pay, nil)
	default:
		return nil
	}
}

// expireUnstarted закрывает сессию, по которой сага не запускалась.
func (c *Coordinator) expireUnstarted(ctx context.Context, r *run) error {
	if r.session.Status.Terminal() {
		return nil
	}
	if _, err := c.sessions.UpdateStatus(ctx, r.session.ID, domain.SessionStatusExpired); err != nil {
		return fmt.Errorf("mark session expired: %w", err)
	}
	c.logger.WithField("session_id", r.session.ID).Info("checkout session expired before completion")
	return nil
}

// finish синхронизирует статус сессии с итогом заказа и возвращает ошибку итога.
func (c *Coordinator) finish(ctx context.Context, r *run) error {
	if target := sessionStatusFor(r.proj); target != "" && !r.session.Status.Terminal() {
		updated, err := c.sessions.UpdateStatus(ctx, r.session.ID, target)
		switch {
		case err == nil:
			r.session = updated
		case errors.Is(err, domain.ErrInvalidTransition):
			c.logger.WithError(err).WithField("session_id", r.session.ID).Warn("session already closed")
		default:
			return fmt.Errorf("update session status: %w", err)
		}
	}

	if r.settledNow {
		c.metrics.RecordSagaFinished(string(r.proj.Status), r.proj.UpdatedAt.Sub(r.proj.CreatedAt))
		c.logger.WithFields(log.Fields{
			"order_id":   r.proj.OrderID,
			"session_id": r.session.ID,
			"status":     r.proj.Status,
		}).Info("checkout saga settled")
	}

	if r.failure != nil {
		return r.failure
	}
	return outcomeError(r.session, r.proj)
}

func sessionStatusFor(p domain.OrderProjection) domain.SessionStatus {
	switch p.Status {
	case domain.OrderStatusConfirmed:
		return domain.SessionStatusCompleted
	case domain.OrderStatusCancelled:
		if p.FailureReason == domain.ReasonSessionExpired || p.FailureReason == domain.ReasonReservationExpired {
			return domain.SessionStatusExpired
		}
		return domain.SessionStatusAbandoned
	case domain.OrderStatusPaymentFailed, domain.OrderStatusReconciliationRequired:
		return domain.SessionStatusAbandoned
	default:
		return ""
	}
}

// outcomeError восстанавливает ошибку итога по проекции уже осевшего заказа.
func outcomeError(s domain.CheckoutSession, p domain.OrderProjection) error {
	switch p.Status {
	case domain.OrderStatusCancelled:
		if p.FailureReason == domain.ReasonInsufficientInventory {
			return fmt.Errorf("%w: order %s cancelled", domain.ErrInsufficientInventory, p.OrderID)
		}
		return sessionExpired(s)
	case domain.OrderStatusPaymentFailed:
		if p.FailureCode == domain.DeclineGatewayTimeout {
			return &domain.PaymentGatewayTimeoutError{SessionID: s.ID}
		}
		return &domain.PaymentDeclinedError{SessionID: s.ID, Code: p.FailureCode}
	case domain.OrderStatusReconciliationRequired:
		return &domain.ReservationExpiredError{SessionID: s.ID, ExpiredAt: s.ExpiresAt}
	default:
		return nil
	}
}

func sessionExpired(s domain.CheckoutSession) error {
	return fmt.Errorf("%w: %s", domain.ErrSessionExpired, s.ID)
}
