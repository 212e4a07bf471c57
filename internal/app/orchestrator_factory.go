package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/metrics"
	"github.com/vladislavdragonenkov/checkout-saga/internal/retry"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/projection"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/saga"
)

// gatewayRetryConfig строит политику повторов обращений к шлюзу из конфигурации.
// Незаданные поля берутся из payment.DefaultRetryConfig.
func gatewayRetryConfig(cfg Config) retry.Config {
	rc := payment.DefaultRetryConfig()
	if cfg.GatewayMaxAttempts > 0 {
		rc.MaxAttempts = cfg.GatewayMaxAttempts
	}
	if cfg.GatewayBaseDelay > 0 {
		rc.InitialDelay = cfg.GatewayBaseDelay
	}
	if cfg.GatewayMaxDelay > 0 {
		rc.MaxDelay = cfg.GatewayMaxDelay
	}
	return rc
}

// createPaymentOrchestrator создаёт платёжный оркестратор с таймаутом и повторами из конфигурации.
func createPaymentOrchestrator(
	cfg Config,
	repo domain.PaymentRepository,
	gateway domain.PaymentGateway,
	sagaMetrics *metrics.SagaMetrics,
	logger *log.Entry,
) *payment.Orchestrator {
	return payment.NewOrchestrator(repo, gateway,
		payment.WithLogger(logger.WithField("layer", "payment")),
		payment.WithMetrics(sagaMetrics),
		payment.WithRetry(gatewayRetryConfig(cfg)),
		payment.WithAttemptTimeout(cfg.GatewayTimeout),
	)
}

// createCoordinator связывает сагу с хранилищами и сервисами.
func createCoordinator(
	rt *runtimeDependencies,
	ledger *inventory.Ledger,
	payments *payment.Orchestrator,
	projector *projection.Projector,
	sagaMetrics *metrics.SagaMetrics,
	logger *log.Entry,
) *saga.Coordinator {
	return saga.NewCoordinator(rt.sessions, rt.events, ledger, payments, projector,
		saga.WithLogger(logger.WithField("layer", "saga")),
		saga.WithMetrics(sagaMetrics),
	)
}
