package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// MockGateway: конфигурируемый платёжный шлюз для тестов и локального запуска.
// Запросы дедуплицируются по IdempotencyKey, как у реального провайдера.
type MockGateway struct {
	mu sync.Mutex

	// CaptureStatus: итог capture по умолчанию.
	CaptureStatus domain.PaymentStatus
	DeclineCode   string
	DeclineReason string
	// FailCaptures первых вызовов Capture возвращают CaptureErr.
	FailCaptures int
	CaptureErr   error
	// Delay задерживает Capture; отмена ctx прерывает ожидание.
	Delay     time.Duration
	RefundErr error

	CaptureCalls int
	LookupCalls  int
	RefundCalls  int
	// Charges: число реально проведённых списаний (без дедуплицированных повторов).
	Charges int

	byKey map[string]domain.GatewayResult
	byRef map[string]string
}

// NewMockGateway возвращает шлюз, подтверждающий списания синхронно.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		CaptureStatus: domain.PaymentStatusCaptured,
		CaptureErr:    context.DeadlineExceeded,
		byKey:         make(map[string]domain.GatewayResult),
		byRef:         make(map[string]string),
	}
}

// Capture списывает сумму или возвращает настроенную ошибку.
func (g *MockGateway) Capture(ctx context.Context, req domain.CaptureRequest) (domain.GatewayResult, error) {
	g.mu.Lock()
	g.CaptureCalls++
	fail := g.CaptureCalls <= g.FailCaptures
	delay := g.Delay
	g.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.GatewayResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return domain.GatewayResult{}, g.CaptureErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.byKey[req.IdempotencyKey]; ok {
		return existing, nil
	}

	result := domain.GatewayResult{
		Reference: "gw_" + uuid.NewString(),
		Status:    g.CaptureStatus,
	}
	if result.Status == domain.PaymentStatusFailed {
		result.DeclineCode = g.DeclineCode
		if result.DeclineCode == "" {
			result.DeclineCode = domain.DeclineCardDeclined
		}
		result.DeclineReason = g.DeclineReason
	} else {
		g.Charges++
	}
	g.byKey[req.IdempotencyKey] = result
	g.byRef[result.Reference] = req.IdempotencyKey
	return result, nil
}

// Lookup возвращает известный провайдеру результат по ключу.
func (g *MockGateway) Lookup(_ context.Context, idempotencyKey string) (domain.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.LookupCalls++
	result, ok := g.byKey[idempotencyKey]
	if !ok {
		return domain.GatewayResult{}, domain.ErrPaymentNotFound
	}
	return result, nil
}

// Refund возвращает списание по ссылке провайдера.
func (g *MockGateway) Refund(_ context.Context, reference string, _ int64, _ string) (domain.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.RefundCalls++
	if g.RefundErr != nil {
		return domain.GatewayResult{}, g.RefundErr
	}
	key, ok := g.byRef[reference]
	if !ok {
		return domain.GatewayResult{}, domain.ErrPaymentNotFound
	}
	result := g.byKey[key]
	switch result.Status {
	case domain.PaymentStatusRefunded:
		return result, nil
	case domain.PaymentStatusCaptured:
		result.Status = domain.PaymentStatusRefunded
		g.byKey[key] = result
		return result, nil
	default:
		return domain.GatewayResult{}, errors.New("mock gateway: payment is not captured")
	}
}

// Settle меняет итог асинхронного платежа и возвращает событие провайдера для webhook.
func (g *MockGateway) Settle(idempotencyKey string, status domain.PaymentStatus, declineCode string) domain.GatewayEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	result, ok := g.byKey[idempotencyKey]
	if !ok {
		result = domain.GatewayResult{Reference: "gw_" + uuid.NewString()}
		g.byRef[result.Reference] = idempotencyKey
	}
	if status == domain.PaymentStatusCaptured && result.Status != domain.PaymentStatusCaptured {
		g.Charges++
	}
	result.Status = status
	result.DeclineCode = declineCode
	g.byKey[idempotencyKey] = result

	return domain.GatewayEvent{
		EventID:        uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Reference:      result.Reference,
		Status:         status,
		DeclineCode:    declineCode,
		OccurredAt:     time.Now().UTC(),
	}
}

// Counts возвращает счётчики вызовов под блокировкой.
func (g *MockGateway) Counts() (captures, charges, lookups, refunds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CaptureCalls, g.Charges, g.LookupCalls, g.RefundCalls
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
