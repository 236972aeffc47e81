package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/orderengine/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderengine/internal/service/outbox"
)

var errUnknownDeadLetter = errors.New("record is neither a consumer nor an outbox dead letter")

// decodeDeadLetter восстанавливает исходную запись из DLQ.
// Consumer кладёт туда ConsumerDeadLetter, outbox worker кладёт конверт с outbox.DeadLetter внутри.
func decodeDeadLetter(msg *sarama.ConsumerMessage, fallbackTopic string, now time.Time) (kafka.Record, error) {
	var consumed kafka.ConsumerDeadLetter
	if err := json.Unmarshal(msg.Value, &consumed); err == nil && consumed.OriginalValue != "" {
		return fromConsumerLetter(msg, consumed, fallbackTopic), nil
	}

	envelope, err := kafka.DecodeEnvelope(msg.Value)
	if err != nil || len(envelope.Payload) == 0 {
		return kafka.Record{}, errUnknownDeadLetter
	}
	return fromOutboxLetter(envelope, fallbackTopic, now)
}

func fromConsumerLetter(msg *sarama.ConsumerMessage, letter kafka.ConsumerDeadLetter, fallbackTopic string) kafka.Record {
	topic := firstNonBlank(letter.OriginalTopic, kafka.HeaderValue(msg, kafka.HeaderOriginalTopic), fallbackTopic)
	record := kafka.Record{
		Topic:   topic,
		Key:     letter.OriginalKey,
		Value:   []byte(letter.OriginalValue),
		Headers: map[string]string{},
	}
	eventType := kafka.HeaderValue(msg, kafka.HeaderEventType)
	if envelope, err := kafka.DecodeEnvelope(record.Value); err == nil {
		eventType = firstNonBlank(envelope.EventType, eventType)
		if envelope.AggregateID != "" {
			record.Headers[kafka.HeaderAggregateID] = envelope.AggregateID
		}
	}
	if eventType != "" {
		record.Headers[kafka.HeaderEventType] = eventType
	}
	return record
}

func fromOutboxLetter(envelope kafka.Envelope, topic string, now time.Time) (kafka.Record, error) {
	letter, original, err := outbox.DecodeDeadLetter(envelope.Payload)
	if err != nil {
		return kafka.Record{}, err
	}
	original.AggregateType = firstNonBlank(original.AggregateType, envelope.AggregateType)
	original.AggregateID = firstNonBlank(original.AggregateID, envelope.AggregateID)
	original.EventType = firstNonBlank(original.EventType, envelope.EventType)

	replay, err := kafka.NewEnvelope(original, now)
	if err != nil {
		return kafka.Record{}, fmt.Errorf("envelope for outbox %s: %w", letter.OutboxID, err)
	}
	value, err := json.Marshal(replay)
	if err != nil {
		return kafka.Record{}, fmt.Errorf("encode envelope for outbox %s: %w", letter.OutboxID, err)
	}
	return kafka.Record{
		Topic: topic,
		Key:   replay.Key(),
		Value: value,
		Headers: map[string]string{
			kafka.HeaderEventType:   replay.EventType,
			kafka.HeaderAggregateID: replay.AggregateID,
		},
	}, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
