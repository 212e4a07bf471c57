package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/api/httpapi"
	healthcheck "github.com/vladislavdragonenkov/checkout-saga/internal/health"
	"github.com/vladislavdragonenkov/checkout-saga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/sweeper"
	"github.com/vladislavdragonenkov/checkout-saga/internal/version"
)

// Run поднимает хранилища, фоновые воркеры и HTTP-серверы и работает до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	logger.WithFields(version.Fields()).WithField("storage", cfg.StorageDriver).Info("starting checkout service")

	rt, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	var producer *kafka.Producer
	if cfg.kafkaEnabled() {
		// Без Kafka сервис продолжает работу: outbox копит события до восстановления брокера.
		producer, _ = initKafkaProducer(cfg.KafkaBrokers, logger)
	}
	defer closeKafka(producer, logger)

	deps := NewDependencies(cfg, rt, nil, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range rt.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	if cfg.kafkaEnabled() {
		healthHandler.RegisterOptional("kafka", healthcheck.NewFuncChecker("kafka", func(context.Context) error {
			if producer == nil {
				return errors.New("kafka producer is not available")
			}
			return nil
		}))
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	startWorker := func(run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(workerCtx)
		}()
	}

	var consumer *kafka.Consumer
	if producer != nil {
		worker := outbox.NewWorker(rt.outboxRepo, kafka.NewOutboxPublisher(producer, cfg.KafkaOrderTopic),
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		startWorker(worker.Run)

		consumer, err = initGatewayConsumer(cfg, producer, deps.Coordinator, logger)
		if err != nil {
			logger.WithError(err).Warn("gateway events consumer disabled")
		} else if err := consumer.Start(workerCtx); err != nil {
			logger.WithError(err).Warn("failed to start gateway events consumer")
			consumer = nil
		}
	}

	expirySweeper := sweeper.New(deps.Inventory, rt.sessions, deps.Coordinator,
		sweeper.WithLogger(logger.WithField("layer", "sweeper")),
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithBatchSize(cfg.SweepBatchSize),
		sweeper.WithConcurrency(cfg.SweepConcurrency),
	)
	startWorker(expirySweeper.Run)

	cleanup := idempotency.NewCleanupWorker(rt.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("layer", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	startWorker(cleanup.Run)

	startWorker(func(ctx context.Context) {
		resumed, err := deps.Coordinator.RecoverInFlight(ctx)
		if err != nil {
			logger.WithError(err).Warn("saga recovery incomplete")
			return
		}
		logger.WithField("resumed", resumed).Info("in-flight sagas recovered")
	})

	api := httpapi.New(deps.Checkout, deps.Coordinator, deps.Projector, deps.Inventory,
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithIdempotency(rt.idempotencyRepo, cfg.IdempotencyTTL),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
	)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	apiSrv, errCh, err := startAPIServer(cfg.HTTPAddr, api.Routes(), logger)
	if err != nil {
		stopWorkers()
		workers.Wait()
		stopConsumer(consumer, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP сервер")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownHTTPWithTimeout(apiSrv, logger, cfg.ShutdownTimeout)
	stopWorkers()
	workers.Wait()
	stopConsumer(consumer, logger)
	shutdownHTTP(metricsSrv, logger)

	logger.Info("checkout service stopped")
	return runErr
}
