package domain

import (
	"context"
	"time"
)

// EventStore: журнал событий заказа с оптимистичной конкуренцией.
type EventStore interface {
	// Append дописывает события, если последний сохранённый номер равен expectedSequence.
	// Иначе возвращает *ConcurrencyConflictError. Номера назначаются хранилищем.
	// Публикуемые события в той же транзакции попадают в outbox.
	Append(ctx context.Context, aggregateID string, expectedSequence int64, events ...OrderEvent) ([]OrderEvent, error)
	// Load возвращает события агрегата в порядке Sequence.
	Load(ctx context.Context, aggregateID string) ([]OrderEvent, error)
	// ListAggregateIDs возвращает идентификаторы агрегатов после afterID (для пакетного replay).
	ListAggregateIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// ReservationLedger: атомарный учёт остатков и резервов по SKU.
type ReservationLedger interface {
	// Reserve резервирует qty под сессию или возвращает *InsufficientInventoryError.
	// Повторный вызов для той же пары (сессия, SKU) возвращает уже существующий резерв.
	Reserve(ctx context.Context, sku string, qty int64, sessionID string, expiresAt time.Time) (Reservation, error)
	// Release снимает резерв. Для нерезервированных записей ничего не делает.
	Release(ctx context.Context, reservationID string) (Reservation, error)
	// Fulfill фиксирует резерв. Для истёкшего резерва возвращает *ReservationExpiredError.
	Fulfill(ctx context.Context, reservationID string, now time.Time) (Reservation, error)
	// SweepExpired переводит просроченные резервы в EXPIRED и возвращает остаток.
	SweepExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	// ListBySession возвращает все резервы сессии.
	ListBySession(ctx context.Context, sessionID string) ([]Reservation, error)
	// Stock возвращает текущий учёт по SKU.
	Stock(ctx context.Context, sku string) (StockLevel, error)
	// SetStock задаёт общий остаток SKU. Меньше занятого задать нельзя.
	SetStock(ctx context.Context, sku string, total int64) (StockLevel, error)
}

// PaymentRepository хранит платежи с уникальным ключом идемпотентности.
type PaymentRepository interface {
	// Create сохраняет платёж. Если ключ занят, возвращает существующий и ErrPaymentAlreadyExists.
	Create(ctx context.Context, payment Payment) (Payment, error)
	// GetByIdempotencyKey возвращает платёж или ErrPaymentNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (Payment, error)
	// Update сохраняет платёж, если текущий статус равен expected (compare-and-set).
	Update(ctx context.Context, payment Payment, expected PaymentStatus) (Payment, error)
}

// PaymentGateway: внешний платёжный провайдер.
type PaymentGateway interface {
	// Capture списывает сумму. Провайдер дедуплицирует запросы по IdempotencyKey.
	Capture(ctx context.Context, req CaptureRequest) (GatewayResult, error)
	// Lookup возвращает состояние платежа у провайдера или ErrPaymentNotFound.
	Lookup(ctx context.Context, idempotencyKey string) (GatewayResult, error)
	// Refund возвращает списанную сумму.
	Refund(ctx context.Context, reference string, amountMinor int64, currency string) (GatewayResult, error)
}

// SessionStore хранит checkout-сессии. Снимок корзины неизменяем, меняется только статус.
type SessionStore interface {
	// Create сохраняет сессию или возвращает ErrSessionAlreadyExists.
	Create(ctx context.Context, session CheckoutSession) error
	// Get возвращает сессию или ErrSessionNotFound.
	Get(ctx context.Context, id string) (CheckoutSession, error)
	// UpdateStatus атомарно меняет статус с проверкой автомата.
	// Повторный перевод в тот же статус не является ошибкой.
	UpdateStatus(ctx context.Context, id string, to SessionStatus) (CheckoutSession, error)
	// ListExpired возвращает нефинальные сессии с ExpiresAt <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]CheckoutSession, error)
	// ListByStatus возвращает сессии в указанном нефинальном статусе.
	ListByStatus(ctx context.Context, status SessionStatus, limit int) ([]CheckoutSession, error)
}

// ProjectionStore хранит read-модели заказов.
type ProjectionStore interface {
	// Save сохраняет проекцию, если её Sequence не меньше сохранённой.
	Save(ctx context.Context, projection OrderProjection) error
	// Get возвращает проекцию или ErrOrderNotFound.
	Get(ctx context.Context, orderID string) (OrderProjection, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки HTTP-запросов по Idempotency-Key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepInitiate SagaStep = "initiate"
	SagaStepReserve  SagaStep = "reserve"
	SagaStepPay      SagaStep = "pay"
	SagaStepConfirm  SagaStep = "confirm"
	SagaStepRelease  SagaStep = "release"
	SagaStepCancel   SagaStep = "cancel"
	SagaStepExpire   SagaStep = "expire"
	SagaStepRefund   SagaStep = "refund"
)
