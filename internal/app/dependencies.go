package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/metrics"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/projection"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/saga"
)

// Dependencies содержит сервисы приложения поверх выбранных хранилищ.
type Dependencies struct {
	Checkout    *checkout.Service
	Inventory   *inventory.Ledger
	Payments    *payment.Orchestrator
	Projector   *projection.Projector
	Coordinator *saga.Coordinator
	Metrics     *metrics.SagaMetrics
	Logger      *log.Entry
}

// NewDependencies собирает сервисы. gateway: клиент платёжного провайдера.
// NOTE: без внешнего провайдера используется payment.MockGateway.
func NewDependencies(cfg Config, rt *runtimeDependencies, gateway domain.PaymentGateway, logger *log.Entry) *Dependencies {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if gateway == nil {
		gateway = payment.NewMockGateway()
	}

	sagaMetrics := metrics.NewSagaMetrics()

	ledger := inventory.NewLedger(rt.ledger,
		inventory.WithLogger(logger.WithField("layer", "inventory")),
		inventory.WithMetrics(sagaMetrics),
	)
	payments := createPaymentOrchestrator(cfg, rt.payments, gateway, sagaMetrics, logger)
	projector := projection.NewProjector(rt.events, rt.projections, logger.WithField("layer", "projection"))
	coordinator := createCoordinator(rt, ledger, payments, projector, sagaMetrics, logger)

	return &Dependencies{
		Checkout: checkout.NewService(rt.sessions,
			checkout.WithLogger(logger.WithField("layer", "checkout")),
			checkout.WithTTL(cfg.SessionTTL),
		),
		Inventory:   ledger,
		Payments:    payments,
		Projector:   projector,
		Coordinator: coordinator,
		Metrics:     sagaMetrics,
		Logger:      logger,
	}
}
