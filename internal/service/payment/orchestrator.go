package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/metrics"
	"github.com/vladislavdragonenkov/checkout-saga/internal/retry"
)

const defaultAttemptTimeout = 20 * time.Second

// DefaultRetryConfig: повтор обращений к шлюзу: 3 попытки, 200ms, x2, потолок 2s, full jitter.
func DefaultRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// CaptureCommand: запрос на списание за checkout-сессию.
type CaptureCommand struct {
	SessionID     string
	AmountMinor   int64
	Currency      string
	PaymentMethod string
}

// Options задаёт параметры Orchestrator.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.SagaMetrics
	Retry          retry.Config
	AttemptTimeout time.Duration
	Breaker        *gobreaker.Settings
}

// Option настраивает Orchestrator.
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

// WithRetry задаёт политику повторов обращений к шлюзу.
func WithRetry(cfg retry.Config) Option {
	return func(opts *Options) {
		opts.Retry = cfg
	}
}

// WithAttemptTimeout задаёт таймаут одной попытки.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.AttemptTimeout = timeout
	}
}

// WithBreakerSettings заменяет настройки circuit breaker.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(opts *Options) {
		opts.Breaker = &settings
	}
}

// Orchestrator гарантирует не более одного списания на сессию.
// Ключ идемпотентности платежа всегда равен ID сессии.
type Orchestrator struct {
	repo           domain.PaymentRepository
	gateway        domain.PaymentGateway
	breaker        *gobreaker.CircuitBreaker[domain.GatewayResult]
	flight         singleflight.Group
	retry          retry.Config
	attemptTimeout time.Duration
	logger         *log.Entry
	metrics        *metrics.SagaMetrics
}

// NewOrchestrator создаёт платёжный оркестратор.
func NewOrchestrator(repo domain.PaymentRepository, gateway domain.PaymentGateway, options ...Option) *Orchestrator {
	opts := Options{
		Retry:          DefaultRetryConfig(),
		AttemptTimeout: defaultAttemptTimeout,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-orchestrator")
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}

	settings := defaultBreakerSettings(logger)
	if opts.Breaker != nil {
		settings = *opts.Breaker
	}

	return &Orchestrator{
		repo:           repo,
		gateway:        gateway,
		breaker:        gobreaker.NewCircuitBreaker[domain.GatewayResult](settings),
		retry:          opts.Retry,
		attemptTimeout: opts.AttemptTimeout,
		logger:         logger,
		metrics:        opts.Metrics,
	}
}

func defaultBreakerSettings(logger *log.Entry) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("payment gateway circuit breaker state changed")
		},
	}
}

// RequestCapture списывает сумму за сессию ровно один раз.
// Для FAILED-платежа возвращает *PaymentDeclinedError или *PaymentGatewayTimeoutError
// вместе с сохранённой записью. Открытый платёж (асинхронный ответ шлюза) возвращается без ошибки.
func (o *Orchestrator) RequestCapture(ctx context.Context, cmd CaptureCommand) (domain.Payment, error) {
	candidate := domain.Payment{
		SessionID:      cmd.SessionID,
		IdempotencyKey: cmd.SessionID,
		AmountMinor:    cmd.AmountMinor,
		Currency:       cmd.Currency,
		PaymentMethod:  cmd.PaymentMethod,
		Status:         domain.PaymentStatusPending,
	}
	if problems := candidate.Validate(); len(problems) > 0 {
		return domain.Payment{}, domain.NewValidationError(problems...)
	}

	v, err, _ := o.flight.Do(candidate.IdempotencyKey, func() (any, error) {
		return o.capture(ctx, candidate)
	})
	payment, _ := v.(domain.Payment)
	return payment, err
}

func (o *Orchestrator) capture(ctx context.Context, candidate domain.Payment) (domain.Payment, error) {
	existing, err := o.repo.GetByIdempotencyKey(ctx, candidate.IdempotencyKey)
	switch {
	case err == nil:
		return o.resume(ctx, existing, candidate)
	case !errors.Is(err, domain.ErrPaymentNotFound):
		return domain.Payment{}, fmt.Errorf("load payment: %w", err)
	}

	candidate.ID = uuid.NewString()
	created, err := o.repo.Create(ctx, candidate)
	if errors.Is(err, domain.ErrPaymentAlreadyExists) {
		return o.resume(ctx, created, candidate)
	}
	if err != nil {
		return domain.Payment{}, fmt.Errorf("create payment: %w", err)
	}

	o.logger.WithFields(log.Fields{
		"session_id":   created.SessionID,
		"payment_id":   created.ID,
		"amount_minor": created.AmountMinor,
		"currency":     created.Currency,
	}).Info("payment created")
	return o.callCapture(ctx, created)
}

// resume продолжает работу с уже существующим платежом. Открытый платёж
// сначала сверяется со шлюзом, новый capture идёт только если шлюз о нём не знает.
func (o *Orchestrator) resume(ctx context.Context, existing, candidate domain.Payment) (domain.Payment, error) {
	if existing.AmountMinor != candidate.AmountMinor || existing.Currency != candidate.Currency {
		return existing, domain.NewValidationError(domain.ErrPaymentAmountMismatch)
	}
	if !existing.Status.Open() {
		return o.outcome(existing)
	}

	result, err := o.lookup(ctx, existing.IdempotencyKey)
	switch {
	case err == nil:
		return o.apply(ctx, existing, result, existing.Attempts)
	case errors.Is(err, domain.ErrPaymentNotFound):
		return o.callCapture(ctx, existing)
	default:
		return existing, fmt.Errorf("%w: lookup: %v", domain.ErrPaymentTemporary, err)
	}
}

func (o *Orchestrator) callCapture(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	req := domain.CaptureRequest{
		IdempotencyKey: p.IdempotencyKey,
		AmountMinor:    p.AmountMinor,
		Currency:       p.Currency,
		PaymentMethod:  p.PaymentMethod,
	}
	fields := log.Fields{"session_id": p.SessionID, "payment_id": p.ID}

	attempts := 0
	var result domain.GatewayResult
	err := retry.Do(ctx, o.retry, o.retryable(ctx), func(attempt int) error {
		attempts = attempt
		var err error
		result, err = o.breaker.Execute(func() (domain.GatewayResult, error) {
			actx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
			defer cancel()
			return o.gateway.Capture(actx, req)
		})
		if err != nil {
			o.metrics.RecordGatewayCall("capture", "error")
			o.logger.WithError(err).WithFields(fields).WithField("attempt", attempt).Warn("gateway capture attempt failed")
		}
		return err
	})
	total := p.Attempts + attempts

	if err == nil {
		o.metrics.RecordGatewayCall("capture", strings.ToLower(string(result.Status)))
		return o.apply(ctx, p, result, total)
	}
	if ctx.Err() != nil {
		return p, fmt.Errorf("%w: capture interrupted: %v", domain.ErrPaymentTemporary, ctx.Err())
	}

	// Попытка могла дойти до шлюза, но ответ потерялся.
	if found, lookupErr := o.lookup(ctx, p.IdempotencyKey); lookupErr == nil {
		return o.apply(ctx, p, found, total)
	}

	failed := p
	failed.Status = domain.PaymentStatusFailed
	failed.FailureCode = domain.DeclineGatewayTimeout
	failed.FailureReason = err.Error()
	failed.Attempts = total
	saved, updateErr := o.repo.Update(ctx, failed, p.Status)
	if errors.Is(updateErr, domain.ErrPaymentStatusConflict) {
		return o.outcome(saved)
	}
	if updateErr != nil {
		return p, fmt.Errorf("mark payment failed: %w", updateErr)
	}

	o.metrics.RecordGatewayCall("capture", "timeout")
	o.logger.WithError(err).WithFields(fields).WithField("attempts", total).Error("payment gateway unavailable, payment failed")
	return saved, &domain.PaymentGatewayTimeoutError{SessionID: p.SessionID, Attempts: total, Err: err}
}

func (o *Orchestrator) retryable(ctx context.Context) func(error) bool {
	return func(error) bool {
		return ctx.Err() == nil
	}
}

// lookup идёт мимо breaker: чтение состояния не должно открывать его.
func (o *Orchestrator) lookup(ctx context.Context, key string) (domain.GatewayResult, error) {
	actx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()
	result, err := o.gateway.Lookup(actx, key)
	switch {
	case err == nil:
		o.metrics.RecordGatewayCall("lookup", strings.ToLower(string(result.Status)))
	case errors.Is(err, domain.ErrPaymentNotFound):
		o.metrics.RecordGatewayCall("lookup", "not_found")
	default:
		o.metrics.RecordGatewayCall("lookup", "error")
	}
	return result, err
}

// apply переносит ответ шлюза в сохранённый платёж через compare-and-set.
func (o *Orchestrator) apply(ctx context.Context, p domain.Payment, result domain.GatewayResult, attempts int) (domain.Payment, error) {
	next := p
	next.Attempts = attempts
	if result.Reference != "" {
		next.GatewayReference = result.Reference
	}

	switch result.Status {
	case domain.PaymentStatusCaptured, domain.PaymentStatusAuthorized:
		next.Status = result.Status
	case domain.PaymentStatusFailed:
		next.Status = domain.PaymentStatusFailed
		next.FailureCode = result.DeclineCode
		next.FailureReason = result.DeclineReason
	case domain.PaymentStatusPending:
	default:
		return p, fmt.Errorf("%w: gateway answered %q for %s", domain.ErrPaymentStatusConflict, result.Status, p.SessionID)
	}

	if next.Status != p.Status && !p.Status.CanTransition(next.Status) {
		return p, fmt.Errorf("%w: %s -> %s", domain.ErrPaymentStatusConflict, p.Status, next.Status)
	}
	if next == p {
		return o.outcome(p)
	}

	saved, err := o.repo.Update(ctx, next, p.Status)
	if err != nil && !errors.Is(err, domain.ErrPaymentStatusConflict) {
		return p, fmt.Errorf("update payment: %w", err)
	}

	o.logger.WithFields(log.Fields{
		"session_id": saved.SessionID,
		"payment_id": saved.ID,
		"status":     saved.Status,
		"reference":  saved.GatewayReference,
	}).Info("payment status updated")
	return o.outcome(saved)
}

// outcome превращает FAILED-платёж в типизированную ошибку.
func (o *Orchestrator) outcome(p domain.Payment) (domain.Payment, error) {
	if p.Status != domain.PaymentStatusFailed {
		return p, nil
	}
	if p.FailureCode == domain.DeclineGatewayTimeout {
		return p, &domain.PaymentGatewayTimeoutError{SessionID: p.SessionID, Attempts: p.Attempts}
	}
	return p, &domain.PaymentDeclinedError{SessionID: p.SessionID, Code: p.FailureCode, Reason: p.FailureReason}
}

// Reverify сверяет открытый платёж со шлюзом без нового списания.
// Закрытый платёж и неизвестный шлюзу ключ возвращаются как есть.
func (o *Orchestrator) Reverify(ctx context.Context, sessionID string) (domain.Payment, error) {
	p, err := o.repo.GetByIdempotencyKey(ctx, sessionID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !p.Status.Open() {
		return p, nil
	}

	result, err := o.lookup(ctx, p.IdempotencyKey)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("%w: lookup: %v", domain.ErrPaymentTemporary, err)
	}

	saved, err := o.apply(ctx, p, result, p.Attempts)
	if errors.Is(err, domain.ErrPaymentDeclined) || errors.Is(err, domain.ErrPaymentGatewayTimeout) {
		return saved, nil
	}
	return saved, err
}

// HandleWebhook применяет асинхронное уведомление шлюза. Повтор того же статуса
// ничего не меняет (changed=false). Статус, противоречащий терминальному,
// возвращает ErrPaymentStatusConflict. Исключение: списание, пришедшее после
// отказа по таймауту шлюза, записывается, чтобы заказ ушёл на сверку.
func (o *Orchestrator) HandleWebhook(ctx context.Context, event domain.GatewayEvent) (domain.Payment, bool, error) {
	if event.IdempotencyKey == "" {
		return domain.Payment{}, false, domain.NewValidationError(domain.ErrIdempotencyKeyRequired)
	}
	if !event.Status.Valid() {
		return domain.Payment{}, false, domain.NewValidationError(fmt.Errorf("unknown payment status %q", event.Status))
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		p, err := o.repo.GetByIdempotencyKey(ctx, event.IdempotencyKey)
		if err != nil {
			return domain.Payment{}, false, err
		}
		if p.Status == event.Status {
			return p, false, nil
		}

		lateCapture := p.Status == domain.PaymentStatusFailed &&
			p.FailureCode == domain.DeclineGatewayTimeout &&
			event.Status == domain.PaymentStatusCaptured
		if !lateCapture && !p.Status.CanTransition(event.Status) {
			return p, false, fmt.Errorf("%w: %s -> %s", domain.ErrPaymentStatusConflict, p.Status, event.Status)
		}

		next := p
		next.Status = event.Status
		if event.Reference != "" {
			next.GatewayReference = event.Reference
		}
		switch event.Status {
		case domain.PaymentStatusFailed:
			next.FailureCode = event.DeclineCode
			next.FailureReason = event.DeclineReason
		case domain.PaymentStatusCaptured:
			next.FailureCode = ""
			next.FailureReason = ""
		}

		saved, err := o.repo.Update(ctx, next, p.Status)
		if errors.Is(err, domain.ErrPaymentStatusConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return p, false, fmt.Errorf("update payment: %w", err)
		}

		o.metrics.RecordGatewayCall("webhook", strings.ToLower(string(saved.Status)))
		o.logger.WithFields(log.Fields{
			"session_id":   saved.SessionID,
			"payment_id":   saved.ID,
			"status":       saved.Status,
			"event_id":     event.EventID,
			"late_capture": lateCapture,
		}).Info("payment webhook applied")
		return saved, true, nil
	}
	return domain.Payment{}, false, lastErr
}

// Refund возвращает списанную сумму. Повторный возврат возвращает сохранённую запись.
func (o *Orchestrator) Refund(ctx context.Context, sessionID, reason string) (domain.Payment, error) {
	p, err := o.repo.GetByIdempotencyKey(ctx, sessionID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.Status == domain.PaymentStatusRefunded {
		return p, nil
	}
	if p.Status != domain.PaymentStatusCaptured {
		return p, fmt.Errorf("%w: refund from %s", domain.ErrPaymentStatusConflict, p.Status)
	}

	var result domain.GatewayResult
	err = retry.Do(ctx, o.retry, o.retryable(ctx), func(int) error {
		var err error
		result, err = o.breaker.Execute(func() (domain.GatewayResult, error) {
			actx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
			defer cancel()
			return o.gateway.Refund(actx, p.GatewayReference, p.AmountMinor, p.Currency)
		})
		return err
	})
	if err != nil {
		o.metrics.RecordGatewayCall("refund", "error")
		return p, fmt.Errorf("%w: refund: %v", domain.ErrPaymentTemporary, err)
	}
	if result.Status != domain.PaymentStatusRefunded {
		return p, fmt.Errorf("%w: gateway answered %q to refund", domain.ErrPaymentStatusConflict, result.Status)
	}

	next := p
	next.Status = domain.PaymentStatusRefunded
	saved, err := o.repo.Update(ctx, next, domain.PaymentStatusCaptured)
	if errors.Is(err, domain.ErrPaymentStatusConflict) && saved.Status == domain.PaymentStatusRefunded {
		return saved, nil
	}
	if err != nil {
		return p, fmt.Errorf("update payment: %w", err)
	}

	o.metrics.RecordGatewayCall("refund", "refunded")
	o.logger.WithFields(log.Fields{
		"session_id":   saved.SessionID,
		"payment_id":   saved.ID,
		"amount_minor": saved.AmountMinor,
		"reason":       reason,
	}).Info("payment refunded")
	return saved, nil
}

// Get возвращает платёж сессии.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (domain.Payment, error) {
	return o.repo.GetByIdempotencyKey(ctx, sessionID)
}
