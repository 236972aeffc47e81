package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/app"
	"github.com/vladislavdragonenkov/orderengine/internal/version"
)

const (
	envGRPCAddr                    = "OE_GRPC_ADDR"
	envMetricsAddr                 = "OE_HTTP_ADDR"
	envStorageDriver               = "OE_STORAGE_DRIVER"
	envPostgresDSN                 = "OE_POSTGRES_DSN"
	envPostgresAutoMigrate         = "OE_POSTGRES_AUTO_MIGRATE"
	envPostgresMaxConns            = "OE_POSTGRES_MAX_CONNS"
	envOutboxPollInterval          = "OE_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "OE_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "OE_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "OE_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending            = "OE_OUTBOX_MAX_PENDING"
	envOutboxRequeueDelay          = "OE_OUTBOX_REQUEUE_DELAY"
	envIdempotencyTTL              = "OE_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "OE_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "OE_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envTestOrderTTL                = "OE_TEST_ORDER_TTL"
	envTestOrderPurgeInterval      = "OE_TEST_ORDER_PURGE_INTERVAL"
	envHealthSyncInterval          = "OE_HEALTH_SYNC_INTERVAL"
	envKafkaBrokers                = "OE_KAFKA_BROKERS"
	envKafkaTopic                  = "OE_KAFKA_TOPIC"
	envKafkaGroupID                = "OE_KAFKA_GROUP_ID"
	envRabbitMQURL                 = "OE_RABBITMQ_URL"
	envRabbitMQExchange            = "OE_RABBITMQ_EXCHANGE"
	envCatalogPath                 = "OE_CATALOG_PATH"
	envTimezone                    = "OE_TIMEZONE"
	envPricingStrictTiers          = "OE_PRICING_STRICT_TIERS"
	envLoyaltyCashbackEnabled      = "OE_LOYALTY_CASHBACK_ENABLED"
	envLoyaltyCashbackPercent      = "OE_LOYALTY_CASHBACK_PERCENT"
	envLoyaltyMinOrderAmount       = "OE_LOYALTY_MIN_ORDER_AMOUNT"
	envLoyaltyMaxBonus             = "OE_LOYALTY_MAX_BONUS"
	envLogLevel                    = "OE_LOG_LEVEL"
	envLogFormat                   = "OE_LOG_FORMAT"
)

type envLookup func(string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) []string {
	var warnings []string

	if format, ok := lookupTrimmed(lookup, envLogFormat); ok && strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level := log.InfoLevel
	if raw, ok := lookupTrimmed(lookup, envLogLevel); ok {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v, using %s", envLogLevel, err, level))
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)
	return warnings
}

// readConfigFromEnv строит конфигурацию из переменных окружения.
// Некорректное значение не роняет сервис: остаётся значение по умолчанию и возвращается предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q is invalid (%v), using default", key, raw, err))
	}
	positiveInt := func(v int) bool { return v > 0 }
	nonNegativeInt := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	readString := func(key string, dst *string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			*dst = v
		}
	}
	readBool := func(key string, dst *bool) {
		if raw, ok := lookupTrimmed(lookup, key); ok {
			v, err := parseBool(raw)
			if err != nil {
				warn(key, raw, err)
				return
			}
			*dst = v
		}
	}
	readInt := func(key string, dst *int, valid func(int) bool, rule string) {
		if raw, ok := lookupTrimmed(lookup, key); ok {
			v, err := parseInt(raw, valid, rule)
			if err != nil {
				warn(key, raw, err)
				return
			}
			*dst = v
		}
	}
	readInt64 := func(key string, dst *int64) {
		if raw, ok := lookupTrimmed(lookup, key); ok {
			v, err := parseInt(raw, nonNegativeInt, "must be >= 0")
			if err != nil {
				warn(key, raw, err)
				return
			}
			*dst = int64(v)
		}
	}
	readDuration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		if raw, ok := lookupTrimmed(lookup, key); ok {
			v, err := parseDuration(raw, valid, rule)
			if err != nil {
				warn(key, raw, err)
				return
			}
			*dst = v
		}
	}

	readString(envGRPCAddr, &cfg.GRPCAddr)
	readString(envMetricsAddr, &cfg.MetricsAddr)
	if v, ok := lookupTrimmed(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	readString(envPostgresDSN, &cfg.PostgresDSN)
	readBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	readInt(envPostgresMaxConns, &cfg.PostgresMaxConns, positiveInt, "must be > 0")

	readDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	readInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	readInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	readDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	readInt(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegativeInt, "must be >= 0")
	readDuration(envOutboxRequeueDelay, &cfg.OutboxRequeueDelay, positiveDuration, "must be > 0")

	readDuration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	readDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	readInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")

	readDuration(envTestOrderTTL, &cfg.TestOrderTTL, positiveDuration, "must be > 0")
	readDuration(envTestOrderPurgeInterval, &cfg.TestOrderPurgeInterval, positiveDuration, "must be > 0")
	readDuration(envHealthSyncInterval, &cfg.HealthSyncInterval, positiveDuration, "must be > 0")

	readString(envKafkaBrokers, &cfg.KafkaBrokers)
	readString(envKafkaTopic, &cfg.KafkaTopic)
	readString(envKafkaGroupID, &cfg.KafkaGroupID)
	readString(envRabbitMQURL, &cfg.RabbitMQURL)
	readString(envRabbitMQExchange, &cfg.RabbitMQExchange)

	readString(envCatalogPath, &cfg.CatalogPath)
	if raw, ok := lookupTrimmed(lookup, envTimezone); ok {
		if _, err := time.LoadLocation(raw); err != nil {
			warn(envTimezone, raw, err)
		} else {
			cfg.Timezone = raw
		}
	}
	readBool(envPricingStrictTiers, &cfg.StrictTiers)

	readBool(envLoyaltyCashbackEnabled, &cfg.Loyalty.CashbackEnabled)
	readInt(envLoyaltyCashbackPercent, &cfg.Loyalty.CashbackPercent, func(v int) bool { return v >= 0 && v <= 100 }, "must be in [0, 100]")
	readInt64(envLoyaltyMinOrderAmount, &cfg.Loyalty.MinOrderAmount)
	readInt64(envLoyaltyMaxBonus, &cfg.Loyalty.MaxBonus)

	return cfg, warnings
}

// lookupTrimmed возвращает значение без пробелов; пустое значение считается отсутствующим.
func lookupTrimmed(lookup envLookup, key string) (string, bool) {
	raw, ok := lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean")
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

func main() {
	for _, warning := range setupLogger(os.LookupEnv) {
		log.Warn(warning)
	}
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.Get().String(),
		"grpc_addr":      cfg.GRPCAddr,
		"http_addr":      cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka":          cfg.KafkaBrokers != "",
		"rabbitmq":       cfg.RabbitMQURL != "",
	}).Info("запускаем Order Engine")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("Order Engine остановлен")
}
