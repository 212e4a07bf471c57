package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/health"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/memory"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/checkout-saga/internal/storage/redis"
)

const redisPingTimeout = 3 * time.Second

// runtimeDependencies: хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	events          domain.EventStore
	ledger          domain.ReservationLedger
	sessions        domain.SessionStore
	payments        domain.PaymentRepository
	projections     domain.ProjectionStore
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository

	// checkers регистрируются как обязательные проверки /readyz.
	checkers map[string]health.Checker
	closers  []func()
}

// close освобождает подключения в обратном порядке открытия.
func (d *runtimeDependencies) close() {
	if d == nil {
		return
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]health.Checker)}

	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		initMemoryStorage(deps)
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if err := initPostgresStorage(ctx, cfg, deps, logger); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr != "" {
		if err := initRedisSessions(ctx, cfg, deps, logger); err != nil {
			deps.close()
			return nil, err
		}
	}

	return deps, nil
}

func initMemoryStorage(deps *runtimeDependencies) {
	outbox := memory.NewOutboxRepository()
	deps.events = memory.NewEventStore(outbox)
	deps.outboxRepo = outbox
	deps.ledger = memory.NewLedger()
	deps.sessions = memory.NewSessionStore()
	deps.payments = memory.NewPaymentRepository()
	deps.projections = memory.NewProjectionStore()
	deps.idempotencyRepo = memory.NewIdempotencyRepository()
}

func initPostgresStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("postgres storage requires CHECKOUT_POSTGRES_DSN")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("apply postgres migrations: %w", err)
		}
	}

	deps.events = postgres.NewEventStore(store)
	deps.outboxRepo = postgres.NewOutboxRepository(store)
	deps.ledger = postgres.NewLedger(store)
	deps.sessions = postgres.NewSessionStore(store)
	deps.payments = postgres.NewPaymentRepository(store)
	deps.projections = postgres.NewProjectionStore(store)
	deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
	deps.checkers["postgres"] = health.NewPingChecker("postgres", store)
	deps.closers = append(deps.closers, store.Close)

	logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
	return nil
}

func initRedisSessions(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	sessions := redisstore.NewSessionStore(client, cfg.RedisRetention)
	deps.sessions = sessions
	deps.checkers["redis"] = health.NewPingChecker("redis", sessions)
	deps.closers = append(deps.closers, func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	})

	logger.WithField("addr", cfg.RedisAddr).Info("using redis session store")
	return nil
}
