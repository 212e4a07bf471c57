package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix: префикс переменных окружения сервиса.
const EnvPrefix = "CHECKOUT"

const (
	// StorageDriverMemory хранит всё в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит журнал, резервы, платежи и outbox в PostgreSQL.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса. Значения берутся из
// переменных окружения CHECKOUT_*, незаданные остаются из DefaultConfig.
type Config struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LogFormat   string `envconfig:"LOG_FORMAT"`

	StorageDriver       string `envconfig:"STORAGE_DRIVER"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE"`

	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB"`
	RedisRetention time.Duration `envconfig:"REDIS_RETENTION"`

	// KafkaBrokers: список брокеров через запятую. Пустое значение отключает Kafka.
	KafkaBrokers       string `envconfig:"KAFKA_BROKERS"`
	KafkaOrderTopic    string `envconfig:"KAFKA_ORDER_TOPIC"`
	KafkaGatewayTopic  string `envconfig:"KAFKA_GATEWAY_TOPIC"`
	KafkaConsumerGroup string `envconfig:"KAFKA_CONSUMER_GROUP"`
	KafkaDLQTopic      string `envconfig:"KAFKA_DLQ_TOPIC"`

	SessionTTL       time.Duration `envconfig:"SESSION_TTL"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL"`
	SweepBatchSize   int           `envconfig:"SWEEP_BATCH_SIZE"`
	SweepConcurrency int           `envconfig:"SWEEP_CONCURRENCY"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY"`

	IdempotencyTTL              time.Duration `envconfig:"IDEMPOTENCY_TTL"`
	IdempotencyCleanupInterval  time.Duration `envconfig:"IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `envconfig:"IDEMPOTENCY_CLEANUP_BATCH_SIZE"`

	GatewayTimeout     time.Duration `envconfig:"GATEWAY_TIMEOUT"`
	GatewayMaxAttempts int           `envconfig:"GATEWAY_MAX_ATTEMPTS"`
	GatewayBaseDelay   time.Duration `envconfig:"GATEWAY_BASE_DELAY"`
	GatewayMaxDelay    time.Duration `envconfig:"GATEWAY_MAX_DELAY"`

	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		LogFormat:   "text",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		RedisRetention: 24 * time.Hour,

		KafkaOrderTopic:    "checkout.order.events",
		KafkaGatewayTopic:  "checkout.payment.gateway-events",
		KafkaConsumerGroup: "checkout-saga",
		KafkaDLQTopic:      "checkout.dlq",

		SessionTTL:       15 * time.Minute,
		SweepInterval:    30 * time.Second,
		SweepBatchSize:   100,
		SweepConcurrency: 4,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		GatewayTimeout:     20 * time.Second,
		GatewayMaxAttempts: 3,
		GatewayBaseDelay:   200 * time.Millisecond,
		GatewayMaxDelay:    2 * time.Second,

		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig читает переменные окружения поверх DefaultConfig и проверяет результат.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет взаимосвязанные настройки.
func (c Config) Validate() error {
	var problems []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			problems = append(problems, errors.New("CHECKOUT_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		problems = append(problems, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if c.HTTPAddr == "" {
		problems = append(problems, errors.New("http addr is required"))
	}
	if c.HTTPAddr != "" && c.HTTPAddr == c.MetricsAddr {
		problems = append(problems, errors.New("http and metrics addr must differ"))
	}
	if c.SessionTTL <= 0 {
		problems = append(problems, errors.New("session ttl must be positive"))
	}
	if c.SweepInterval <= 0 || c.SweepBatchSize <= 0 {
		problems = append(problems, errors.New("sweep interval and batch size must be positive"))
	}
	if c.GatewayMaxAttempts <= 0 {
		problems = append(problems, errors.New("gateway max attempts must be positive"))
	}
	if c.GatewayMaxDelay < c.GatewayBaseDelay {
		problems = append(problems, errors.New("gateway max delay must not be less than base delay"))
	}
	if c.KafkaBrokers != "" && (c.KafkaOrderTopic == "" || c.KafkaGatewayTopic == "" || c.KafkaConsumerGroup == "") {
		problems = append(problems, errors.New("kafka topics and consumer group are required when brokers are set"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Errorf("invalid log level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(problems...))
	}
	return nil
}

// ConfigureLogging настраивает глобальный logrus по конфигурации.
func ConfigureLogging(cfg Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// kafkaEnabled сообщает, задан ли список брокеров.
func (c Config) kafkaEnabled() bool {
	return strings.TrimSpace(c.KafkaBrokers) != ""
}
