package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/messaging/kafka"
)

// stream — часть sarama.PartitionConsumer, которую читает replayer.
type stream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// source отдаёт партиции топика, их границы и потоки чтения.
type source interface {
	Partitions(topic string) ([]int32, error)
	Bounds(topic string, partition int32) (oldest, newest int64, err error)
	Open(topic string, partition int32, offset int64) (stream, error)
	Close() error
}

// recordSink принимает восстановленные записи.
type recordSink interface {
	Send(ctx context.Context, record kafka.Record) error
}

type kafkaSource struct {
	client   sarama.Client
	consumer sarama.Consumer
}

func dialSource(brokers []string) (*kafkaSource, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &kafkaSource{client: client, consumer: consumer}, nil
}

func (s *kafkaSource) Partitions(topic string) ([]int32, error) {
	return s.client.Partitions(topic)
}

func (s *kafkaSource) Bounds(topic string, partition int32) (int64, int64, error) {
	oldest, err := s.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, err
	}
	newest, err := s.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, err
	}
	return oldest, newest, nil
}

func (s *kafkaSource) Open(topic string, partition int32, offset int64) (stream, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s *kafkaSource) Close() error {
	return errors.Join(s.consumer.Close(), s.client.Close())
}

// dryRunSink печатает кандидатов вместо отправки.
type dryRunSink struct {
	logger *log.Entry
}

func (s dryRunSink) Send(_ context.Context, record kafka.Record) error {
	s.logger.WithFields(log.Fields{
		"topic":      record.Topic,
		"key":        record.Key,
		"event_type": record.Headers[kafka.HeaderEventType],
	}).Info("dlq replay candidate")
	return nil
}

type summary struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *summary) add(other summary) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func (s summary) fields() log.Fields {
	return log.Fields{"scanned": s.scanned, "replayed": s.replayed, "skipped": s.skipped}
}

type replayer struct {
	src    source
	sink   recordSink
	cfg    config
	now    func() time.Time
	logger *log.Entry
}

func newReplayer(src source, sink recordSink, cfg config) *replayer {
	return &replayer{
		src:    src,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithFields(log.Fields{"component": "dlq-replay", "source_topic": cfg.sourceTopic}),
	}
}

// Run обходит партиции по возрастанию номера, пока не исчерпан общий лимит.
func (r *replayer) Run(ctx context.Context) (summary, error) {
	partitions, err := r.src.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return summary{}, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total summary
	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		got, err := r.replayPartition(ctx, partition, budget)
		total.add(got)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *replayer) replayPartition(ctx context.Context, partition int32, budget int) (summary, error) {
	var stats summary

	oldest, newest, err := r.src.Bounds(r.cfg.sourceTopic, partition)
	if err != nil {
		return stats, fmt.Errorf("offsets of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}
	start := oldest
	if r.cfg.fromNewest {
		start = max(oldest, newest-int64(budget))
	}

	st, err := r.src.Open(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("open partition %d: %w", partition, err)
	}
	defer func() { _ = st.Close() }()

	logger := r.logger.WithField("partition", partition)
	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()
	errs := st.Errors()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			logger.Debug("partition idle, moving on")
			return stats, nil
		case consumeErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if consumeErr != nil {
				return stats, fmt.Errorf("read partition %d: %w", partition, consumeErr)
			}
		case msg, ok := <-st.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			resetTimer(idle, r.cfg.idleTimeout)
			stats.scanned++

			record, err := decodeDeadLetter(msg, r.cfg.targetTopic, r.now())
			if err != nil {
				stats.skipped++
				logger.WithError(err).WithField("offset", msg.Offset).Warn("skip dead letter")
			} else {
				if err := r.sink.Send(ctx, record); err != nil {
					return stats, fmt.Errorf("replay offset %d of partition %d: %w", msg.Offset, partition, err)
				}
				stats.replayed++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
