package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "orderengine.order.events"
	TopicDeadLetterQueue = "orderengine.dlq"
)

// Заголовки событий и записей DLQ.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// HeaderValue возвращает значение заголовка сообщения или пустую строку.
func HeaderValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

// Envelope — формат сообщения outbox в Kafka.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope упаковывает сообщение outbox. Не-JSON payload передаётся строкой.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) (Envelope, error) {
	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(msg.Payload))
		if err != nil {
			return Envelope{}, fmt.Errorf("quote payload: %w", err)
		}
		payload = quoted
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}, nil
}

// Key возвращает ключ партиционирования: события одного заказа попадают в одну партицию.
func (e Envelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// OutboxMessage восстанавливает сообщение outbox из конверта.
func (e Envelope) OutboxMessage() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       []byte(e.Payload),
		CreatedAt:     e.PublishedAt,
	}
}

// DecodeEnvelope разбирает конверт outbox.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal outbox envelope: %w", err)
	}
	if envelope.ID == "" {
		return Envelope{}, fmt.Errorf("outbox envelope id is required")
	}
	return envelope, nil
}

// ParseOrderEvent парсит событие заказа из сообщения Kafka.
func ParseOrderEvent(message *sarama.ConsumerMessage) (domain.OrderEvent, error) {
	envelope, err := DecodeEnvelope(message.Value)
	if err != nil {
		return domain.OrderEvent{}, err
	}
	if envelope.AggregateType != domain.AggregateTypeOrder {
		return domain.OrderEvent{}, fmt.Errorf("unexpected aggregate type %q", envelope.AggregateType)
	}
	return domain.DecodeOrderEvent(envelope.Payload)
}
