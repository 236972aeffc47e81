package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const clientID = "order-engine"

var producedMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oe_kafka_produced_messages_total",
		Help: "Total number of messages sent to Kafka, by topic and result",
	},
	[]string{"topic", "result"},
)

// Record — сообщение для отправки. Headers сортируются по ключу, чтобы порядок был стабильным.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func (r Record) message(now time.Time) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:     r.Topic,
		Value:     sarama.ByteEncoder(r.Value),
		Timestamp: now,
	}
	if r.Key != "" {
		msg.Key = sarama.StringEncoder(r.Key)
	}
	keys := make([]string, 0, len(r.Headers))
	for key := range r.Headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(r.Headers[key])})
	}
	return msg
}

// NewProducerConfig возвращает конфигурацию идемпотентного producer'а: события заказа не дублируются при ретраях.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// Producer отправляет записи в Kafka синхронно.
type Producer struct {
	sync   sarama.SyncProducer
	client sarama.Client
	clock  func() time.Time
	logger *log.Entry
}

// NewProducer подключается к brokers. Клиент остаётся у Producer для проверки связи.
func NewProducer(brokers []string) (*Producer, error) {
	client, err := sarama.NewClient(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	sync, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	p := NewProducerFrom(sync)
	p.client = client
	return p, nil
}

// NewProducerFrom оборачивает готовый SyncProducer, например mocks.SyncProducer.
func NewProducerFrom(sync sarama.SyncProducer) *Producer {
	return &Producer{
		sync:   sync,
		clock:  time.Now,
		logger: log.WithField("component", "kafka-producer"),
	}
}

// Send отправляет запись и ждёт подтверждения всех реплик.
func (p *Producer) Send(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.Topic == "" {
		return errors.New("kafka record topic is required")
	}

	partition, offset, err := p.sync.SendMessage(record.message(p.clock()))
	fields := log.Fields{"topic": record.Topic, "key": record.Key}
	if err != nil {
		producedMessages.WithLabelValues(record.Topic, "error").Inc()
		p.logger.WithError(err).WithFields(fields).Error("failed to send message to kafka")
		return fmt.Errorf("send to %s: %w", record.Topic, err)
	}

	producedMessages.WithLabelValues(record.Topic, "ok").Inc()
	fields["partition"], fields["offset"] = partition, offset
	p.logger.WithFields(fields).Debug("message sent to kafka")
	return nil
}

// Ping проверяет, что у клиента есть живой контроллер кластера. Producer без клиента считается доступным.
func (p *Producer) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.client == nil {
		return nil
	}
	if p.client.Closed() {
		return errors.New("kafka client is closed")
	}
	if _, err := p.client.Controller(); err != nil {
		return fmt.Errorf("kafka controller unavailable: %w", err)
	}
	return nil
}

// Close закрывает producer и его клиента.
func (p *Producer) Close() error {
	err := p.sync.Close()
	if p.client != nil && !p.client.Closed() {
		err = errors.Join(err, p.client.Close())
	}
	if err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
