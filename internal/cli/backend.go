package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/checkout-saga/internal/storage/redis"
)

// Переменные окружения, которые читает checkoutctl, если флаг не задан.
const (
	EnvPostgresDSN = "CHECKOUT_POSTGRES_DSN"
	EnvRedisAddr   = "CHECKOUT_REDIS_ADDR"
)

const redisPingTimeout = 3 * time.Second

// Migrator управляет версиями схемы.
type Migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
}

// Backend: набор хранилищ, с которыми работают команды.
type Backend struct {
	Events      domain.EventStore
	Ledger      domain.ReservationLedger
	Sessions    domain.SessionStore
	Payments    domain.PaymentRepository
	Projections domain.ProjectionStore
	// Migrator равен nil для хранилищ без миграций.
	Migrator Migrator

	closers []func()
}

// OnClose регистрирует функцию освобождения ресурса.
func (b *Backend) OnClose(fn func()) {
	b.closers = append(b.closers, fn)
}

// Close освобождает ресурсы в обратном порядке.
func (b *Backend) Close() {
	if b == nil {
		return
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// OpenFunc открывает хранилища по параметрам командной строки.
type OpenFunc func(ctx context.Context, opts *RootOptions) (*Backend, error)

// OpenPostgres открывает PostgreSQL и, если задан адрес, Redis для сессий.
func OpenPostgres(ctx context.Context, opts *RootOptions) (*Backend, error) {
	dsn := firstNonEmpty(opts.DSN, os.Getenv(EnvPostgresDSN))
	if dsn == "" {
		return nil, NewExitError(ExitCommandError, "postgres dsn is required (--dsn or "+EnvPostgresDSN+")")
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open postgres", err)
	}

	backend := &Backend{
		Events:      postgres.NewEventStore(store),
		Ledger:      postgres.NewLedger(store),
		Sessions:    postgres.NewSessionStore(store),
		Payments:    postgres.NewPaymentRepository(store),
		Projections: postgres.NewProjectionStore(store),
		Migrator:    store,
	}
	backend.OnClose(store.Close)

	addr := firstNonEmpty(opts.RedisAddr, os.Getenv(EnvRedisAddr))
	if addr == "" {
		return backend, nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		backend.Close()
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("ping redis %s", addr), err)
	}
	backend.Sessions = redisstore.NewSessionStore(client, redisstore.DefaultRetention)
	backend.OnClose(func() { _ = client.Close() })

	return backend, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
