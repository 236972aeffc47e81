package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderengine/internal/messaging/rabbitmq"
)

const (
	// StorageDriverMemory — хранилище в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres — PostgreSQL через pgx.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска движка заказов.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	// PostgresMaxConns <= 0 оставляет размер пула по умолчанию.
	PostgresMaxConns int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int
	// OutboxRequeueDelay — через сколько failed-сообщение возвращается в очередь, если DLQ не настроен.
	OutboxRequeueDelay time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	TestOrderTTL           time.Duration
	TestOrderPurgeInterval time.Duration

	// HealthSyncInterval — как часто статус проверок переносится в gRPC health.
	HealthSyncInterval time.Duration

	// KafkaBrokers — список брокеров через запятую; пусто означает доставку событий внутри процесса.
	KafkaBrokers string
	KafkaTopic   string
	KafkaGroupID string

	// RabbitMQURL пустой — уведомления пишутся в лог.
	RabbitMQURL      string
	RabbitMQExchange string

	// CatalogPath пустой — встроенная демо-фикстура.
	CatalogPath string
	Timezone    string
	StrictTiers bool

	Loyalty domain.LoyaltyPolicy
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   time.Second,
		OutboxMaxPending:   1000,
		OutboxRequeueDelay: time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		TestOrderTTL:           7 * 24 * time.Hour,
		TestOrderPurgeInterval: time.Hour,

		HealthSyncInterval: 10 * time.Second,

		KafkaTopic:   kafka.TopicOrderEvents,
		KafkaGroupID: "order-engine-projections",

		RabbitMQExchange: rabbitmq.DefaultExchange,

		Timezone: "UTC",

		Loyalty: domain.LoyaltyPolicy{
			CashbackEnabled: true,
			CashbackPercent: 5,
		},
	}
}

// Validate проверяет настройки, без которых движок не стартует, и возвращает все нарушения сразу.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.GRPCAddr) == "" {
		errs = append(errs, errors.New("grpc address is required"))
	}
	switch c.StorageDriver {
	case "", StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage driver requires PostgresDSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.Loyalty.CashbackPercent < 0 || c.Loyalty.CashbackPercent > 100 {
		errs = append(errs, fmt.Errorf("cashback percent %d is out of [0, 100]", c.Loyalty.CashbackPercent))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox max attempts must be positive"))
	}
	return errors.Join(errs...)
}
