package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// fakeGroup повторяет контракт sarama.ConsumerGroup: Consume блокируется на сессию, Close закрывает Errors.
type fakeGroup struct {
	sarama.ConsumerGroup

	sessions atomic.Int32
	errs     chan error
	closed   chan struct{}
	once     sync.Once
	closeErr error
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{errs: make(chan error, 1), closed: make(chan struct{})}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.sessions.Add(1)
	select {
	case <-ctx.Done():
		return nil
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	}
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.once.Do(func() {
		close(g.closed)
		close(g.errs)
	})
	return g.closeErr
}

type fakeSession struct {
	sarama.ConsumerGroupSession

	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim

	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		ch <- msg
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func retried(msg *sarama.ConsumerMessage, count int) *sarama.ConsumerMessage {
	msg.Headers = append(msg.Headers, &sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(count))})
	return msg
}

func failing(calls *int, err error) MessageHandler {
	return func(context.Context, *sarama.ConsumerMessage) error {
		*calls++
		return err
	}
}

func TestConsumerStartStop(t *testing.T) {
	t.Parallel()

	group := newFakeGroup()
	consumer := newConsumer(group, ConsumerConfig{GroupID: "projections", Topics: []string{TopicOrderEvents}},
		func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil)

	group.errs <- errors.New("rebalance in progress")
	require.NoError(t, consumer.Start(context.Background()))
	require.Eventually(t, func() bool { return group.sessions.Load() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, consumer.Stop())

	group = newFakeGroup()
	group.closeErr = errors.New("close failed")
	consumer = newConsumer(group, ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil)
	assert.Error(t, consumer.Stop())
}

func TestConsumeClaimMarksHandledAndDeadLettered(t *testing.T) {
	t.Parallel()

	dlq := &recordingSender{}
	consumer := newConsumer(newFakeGroup(), ConsumerConfig{MaxAttempts: 1}, func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if msg.Offset == 2 {
			return errors.New("projection failed")
		}
		return nil
	}, dlq)

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 1},
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 2},
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 3},
	)
	require.NoError(t, consumer.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{1, 2, 3}, session.marked)
	assert.Len(t, dlq.records, 1)
}

func TestConsumeClaimKeepsOffsetWithoutDeadLetters(t *testing.T) {
	t.Parallel()

	calls := 0
	consumer := newConsumer(newFakeGroup(), ConsumerConfig{MaxAttempts: 2}, failing(&calls, errors.New("down")), nil)
	session := &fakeSession{ctx: context.Background()}

	err := consumer.ConsumeClaim(session, claimOf(&sarama.ConsumerMessage{Offset: 7}))
	require.Error(t, err)
	assert.Empty(t, session.marked)
	assert.Equal(t, 2, calls)
}

func TestConsumeClaimStopsBeforeCommittingPastFailure(t *testing.T) {
	t.Parallel()

	var handled []int64
	consumer := newConsumer(newFakeGroup(), ConsumerConfig{MaxAttempts: 1}, func(_ context.Context, msg *sarama.ConsumerMessage) error {
		handled = append(handled, msg.Offset)
		if msg.Offset == 2 {
			return errors.New("projection failed")
		}
		return nil
	}, &recordingSender{err: sarama.ErrOutOfBrokers})

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 1},
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 2},
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 3},
	)
	err := consumer.ConsumeClaim(session, claim)
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	assert.Equal(t, []int64{1}, session.marked)
	assert.Equal(t, []int64{1, 2}, handled)
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	consumer := newConsumer(newFakeGroup(), ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil)

	done := make(chan error, 1)
	go func() {
		done <- consumer.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{messages: make(chan *sarama.ConsumerMessage)})
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after cancellation")
	}
}

func TestProcessAttemptsCountPreviousRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		previous  int
		wantCalls int
	}{
		{name: "fresh message", previous: 0, wantCalls: 3},
		{name: "retried once", previous: 1, wantCalls: 2},
		{name: "limit reached still tries once", previous: 5, wantCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			dlq := &recordingSender{}
			consumer := newConsumer(newFakeGroup(), ConsumerConfig{MaxAttempts: 3}, failing(&calls, errors.New("down")), dlq)

			result, err := consumer.process(context.Background(), retried(&sarama.ConsumerMessage{Topic: TopicOrderEvents}, tc.previous))
			require.NoError(t, err)
			assert.Equal(t, "dlq", result)
			assert.Equal(t, tc.wantCalls, calls)
			require.Len(t, dlq.records, 1)
			assert.Equal(t, strconv.Itoa(tc.previous+tc.wantCalls), dlq.records[0].Headers[HeaderRetryCount])
		})
	}
}

func TestProcessRecoversAfterRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	consumer := newConsumer(newFakeGroup(), ConsumerConfig{MaxAttempts: 3, RetryDelay: time.Millisecond}, func(context.Context, *sarama.ConsumerMessage) error {
		calls++
		if calls < 2 {
			return errors.New("temporary")
		}
		return nil
	}, nil)

	result, err := consumer.process(context.Background(), &sarama.ConsumerMessage{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestProcessStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	consumer := newConsumer(newFakeGroup(), ConsumerConfig{MaxAttempts: 5, RetryDelay: time.Second}, func(context.Context, *sarama.ConsumerMessage) error {
		calls++
		cancel()
		return errors.New("temporary")
	}, &recordingSender{})

	result, err := consumer.process(ctx, &sarama.ConsumerMessage{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "failed", result)
	assert.Equal(t, 1, calls)
}

func TestProcessReportsDeadLetterFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	consumer := newConsumer(newFakeGroup(), ConsumerConfig{MaxAttempts: 1}, failing(&calls, errors.New("down")),
		&recordingSender{err: sarama.ErrOutOfBrokers})

	result, err := consumer.process(context.Background(), &sarama.ConsumerMessage{})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Equal(t, "failed", result)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	t.Parallel()

	consumer := newConsumer(newFakeGroup(), ConsumerConfig{RetryDelay: time.Second}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil)
	assert.Equal(t, time.Second, consumer.backoff(1))
	assert.Equal(t, 2*time.Second, consumer.backoff(2))
	assert.Equal(t, 4*time.Second, consumer.backoff(3))
	assert.Equal(t, maxRetryDelay, consumer.backoff(10))
}

func TestDeadLetterRecord(t *testing.T) {
	t.Parallel()

	failedAt := time.Date(2026, 10, 3, 8, 0, 0, 0, time.UTC)
	dlq := &recordingSender{}
	consumer := newConsumer(newFakeGroup(), ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, dlq)
	consumer.clock = func() time.Time { return failedAt }

	msg := &sarama.ConsumerMessage{
		Topic: TopicOrderEvents, Partition: 1, Offset: 42, Key: []byte("order-1"), Value: []byte("v"),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderEventType), Value: []byte(domain.EventOrderUpdated)}},
	}
	require.NoError(t, consumer.deadLetter(context.Background(), msg, errors.New("boom"), 3))
	require.Len(t, dlq.records, 1)

	record := dlq.records[0]
	assert.Equal(t, TopicDeadLetterQueue, record.Topic)
	assert.Equal(t, "order-1", record.Key)
	assert.Equal(t, domain.EventOrderUpdated, record.Headers[HeaderEventType])
	assert.Equal(t, TopicOrderEvents, record.Headers[HeaderOriginalTopic])
	assert.Equal(t, failedAt.Format(time.RFC3339), record.Headers[HeaderFailedAt])

	var letter ConsumerDeadLetter
	require.NoError(t, json.Unmarshal(record.Value, &letter))
	assert.Equal(t, ConsumerDeadLetter{
		OriginalTopic:     TopicOrderEvents,
		OriginalPartition: 1,
		OriginalOffset:    42,
		OriginalKey:       "order-1",
		OriginalValue:     "v",
		ErrorMessage:      "boom",
		FailedAt:          failedAt,
		RetryCount:        3,
	}, letter)
}

func TestRetryCountHeader(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5, retryCount(retried(&sarama.ConsumerMessage{}, 5)))
	bad := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("bad")}}}
	assert.Equal(t, 0, retryCount(bad))
	assert.Equal(t, 0, retryCount(&sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{nil}}))
}

type recordingPublisher struct {
	messages []domain.OutboxMessage
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.messages = append(p.messages, msg)
	return p.err
}

func TestEnvelopeHandlerForwardsOrderEvents(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	handler := EnvelopeHandler(publisher)

	require.NoError(t, handler(context.Background(), &sarama.ConsumerMessage{Value: orderEnvelope(t, "evt-7", "order-7")}))
	require.Len(t, publisher.messages, 1)
	forwarded := publisher.messages[0]
	assert.Equal(t, "evt-7", forwarded.ID)
	assert.Equal(t, "order-7", forwarded.AggregateID)
	assert.Equal(t, domain.EventOrderUpdated, forwarded.EventType)
	event, err := domain.DecodeOrderEvent(forwarded.Payload)
	require.NoError(t, err)
	assert.Equal(t, "order-7", event.Order.ID)

	assert.Error(t, handler(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")}))

	publisher.err = errors.New("projector down")
	assert.Error(t, handler(context.Background(), &sarama.ConsumerMessage{Value: orderEnvelope(t, "evt-8", "order-8")}))
}

func TestParseOrderEvent(t *testing.T) {
	t.Parallel()

	event, err := ParseOrderEvent(&sarama.ConsumerMessage{Value: orderEnvelope(t, "evt-1", "order-1")})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", event.ID)
	assert.Equal(t, domain.OrderStatusFinished, event.Order.Status)

	_, err = ParseOrderEvent(&sarama.ConsumerMessage{Value: []byte("{")})
	assert.Error(t, err)
	_, err = ParseOrderEvent(&sarama.ConsumerMessage{Value: []byte(`{"id":"x","aggregate_type":"payment","payload":{}}`)})
	assert.Error(t, err)
}

func orderEnvelope(t *testing.T, eventID, orderID string) []byte {
	t.Helper()

	msg, err := domain.NewOrderEventMessage(domain.OrderEvent{
		ID:         eventID,
		Type:       domain.EventOrderUpdated,
		Order:      domain.Order{ID: orderID, PlaceID: "airport", Status: domain.OrderStatusFinished},
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	envelope, err := NewEnvelope(msg, time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC))
	require.NoError(t, err)
	data, err := json.Marshal(envelope)
	require.NoError(t, err)
	return data
}
