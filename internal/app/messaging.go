package app

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderengine/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/orderengine/internal/service/notify"
)

func splitBrokers(brokers string) []string {
	var list []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			list = append(list, broker)
		}
	}
	return list
}

// initKafkaProducer создаёт producer, если список брокеров не пуст.
// Пустой список даёт nil, nil.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает producer, если он создан.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}

// initNotifier подключается к RabbitMQ; без URL или при ошибке подключения уведомления уходят в лог.
func initNotifier(ctx context.Context, cfg Config, logger *log.Entry) (domain.Notifier, func()) {
	fallback := notify.NewLogNotifier(logger.WithField("component", "log-notifier"))
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		return fallback, func() {}
	}

	notifier, err := rabbitmq.Dial(ctx, cfg.RabbitMQURL, cfg.RabbitMQExchange, logger.WithField("component", "rabbitmq-notifier"))
	if err != nil {
		logger.WithError(err).Warn("failed to connect to rabbitmq, notifications go to log")
		return fallback, func() {}
	}
	return notifier, func() {
		if err := notifier.Close(); err != nil {
			logger.WithError(err).Warn("failed to close rabbitmq notifier")
		}
	}
}
