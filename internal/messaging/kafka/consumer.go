package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 200 * time.Millisecond
	maxRetryDelay      = 5 * time.Second
)

var consumedMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oe_kafka_consumed_messages_total",
		Help: "Total number of consumed Kafka messages, by result",
	},
	[]string{"result"},
)

// MessageHandler обрабатывает одно сообщение. Ошибка запускает повтор.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerDeadLetter — запись DLQ о сообщении, которое не удалось обработать за все попытки.
type ConsumerDeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ConsumerConfig описывает consumer group проекций.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// MaxAttempts ограничивает число попыток с учётом x-retry-count из повторно отправленных сообщений.
	MaxAttempts int
	// RetryDelay — задержка перед второй попыткой; дальше она удваивается до maxRetryDelay.
	RetryDelay time.Duration
}

// NewConsumerConfig возвращает настройки sarama для consumer group: чтение с начала и round-robin.
func NewConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	return config
}

// Consumer читает события заказов и передаёт их handler. Сообщения, исчерпавшие попытки,
// уходят в DLQ, если он настроен; без DLQ offset не сдвигается, а сессия перезапускается.
type Consumer struct {
	group       sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	maxAttempts int
	retryDelay  time.Duration
	deadLetters sender
	clock       func() time.Time
	logger      *log.Entry
	wg          sync.WaitGroup
}

// NewConsumer подключается к consumer group. deadLetters может быть nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, deadLetters *Producer) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("kafka consumer handler is required")
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	var dlq sender
	if deadLetters != nil {
		dlq = deadLetters
	}
	return newConsumer(group, cfg, handler, dlq), nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler, deadLetters sender) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &Consumer{
		group:       group,
		topics:      cfg.Topics,
		handler:     handler,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		deadLetters: deadLetters,
		clock:       time.Now,
		logger:      log.WithFields(log.Fields{"component": "kafka-consumer", "group": cfg.GroupID}),
	}
}

// Start запускает чтение в фоне. Consume перезапускается после каждого rebalance, пока жив ctx.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("consumer group session failed")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			result, err := c.process(ctx, message)
			consumedMessages.WithLabelValues(result).Inc()
			if err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message left uncommitted, session restarts")
				// Следующий MarkMessage закоммитил бы offset за этим сообщением, поэтому сессия завершается,
				// и после перезапуска Consume чтение продолжится с последнего закоммиченного offset.
				return fmt.Errorf("process message %s/%d/%d: %w", message.Topic, message.Partition, message.Offset, err)
			}
			session.MarkMessage(message, "")
		}
	}
}

// process возвращает метку результата (ok, dlq, failed) и ошибку, если offset сдвигать нельзя.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) (string, error) {
	previous := retryCount(message)
	attempts := max(c.maxAttempts-previous, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return "ok", nil
		}
		if attempt == attempts {
			break
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":   message.Topic,
			"attempt": previous + attempt,
		}).Warn("event handling failed, retrying")
		if waitErr := sleep(ctx, c.backoff(attempt)); waitErr != nil {
			return "failed", waitErr
		}
	}

	if ctx.Err() != nil || c.deadLetters == nil {
		return "failed", err
	}
	if dlqErr := c.deadLetter(ctx, message, err, previous+attempts); dlqErr != nil {
		return "failed", fmt.Errorf("dead-letter message: %w", dlqErr)
	}
	c.logger.WithError(err).WithField("topic", message.Topic).Warn("message moved to dlq")
	return "dlq", nil
}

func (c *Consumer) backoff(attempt int) time.Duration {
	delay := c.retryDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryCount(message *sarama.ConsumerMessage) int {
	count, err := strconv.Atoi(HeaderValue(message, HeaderRetryCount))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

func (c *Consumer) deadLetter(ctx context.Context, message *sarama.ConsumerMessage, cause error, attempts int) error {
	failedAt := c.clock().UTC()
	value, err := json.Marshal(ConsumerDeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          failedAt,
		RetryCount:        attempts,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	headers := map[string]string{
		HeaderRetryCount:    strconv.Itoa(attempts),
		HeaderOriginalTopic: message.Topic,
		HeaderErrorMessage:  cause.Error(),
		HeaderFailedAt:      failedAt.Format(time.RFC3339),
	}
	if eventType := HeaderValue(message, HeaderEventType); eventType != "" {
		headers[HeaderEventType] = eventType
	}
	return c.deadLetters.Send(ctx, Record{Topic: TopicDeadLetterQueue, Key: string(message.Key), Value: value, Headers: headers})
}

// EnvelopeHandler передаёт конверты outbox в publisher, обычно в диспетчер проекций.
func EnvelopeHandler(publisher domain.OutboxPublisher) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := DecodeEnvelope(message.Value)
		if err != nil {
			return err
		}
		return publisher.Publish(ctx, envelope.OutboxMessage())
	}
}
