// Package outbox доставляет события заказов из transactional outbox в брокер.
package outbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultMaxPending     = 10000
)

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher включает отправку в DLQ сообщений, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт паузу после первой неудачи; дальше она удваивается. Ноль отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.baseDelay = max(delay, 0) }
}

// WithMaxPending задаёт размер backlog, выше которого воркер предупреждает о перегрузке.
// Доставка при этом не останавливается.
func WithMaxPending(limit int) Option {
	return func(w *Worker) {
		if limit > 0 {
			w.maxPending = limit
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(w *Worker) {
		if clock != nil {
			w.now = clock
		}
	}
}

// Result — итог одного прохода.
type Result struct {
	Sent   int
	Failed int
}

// Worker публикует pending-сообщения outbox в порядке создания.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	now       func() time.Time

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	baseDelay    time.Duration
	maxPending   int
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:         repo,
		publisher:    publisher,
		logger:       log.WithField("component", "outbox-worker"),
		now:          time.Now,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultRetryBaseDelay,
		maxPending:   defaultMaxPending,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run выполняет проходы раз в pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч. Сообщение, исчерпавшее попытки, уходит в DLQ (если он задан) и
// помечается failed; остальные сообщения батча продолжают публиковаться. Без DLQ failed-сообщения
// возвращает в очередь задача retention.OutboxRequeue.
func (w *Worker) ProcessOnce(ctx context.Context) Result {
	var res Result
	if ctx.Err() != nil {
		return res
	}
	w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox messages")
		return res
	}
	if len(batch) == 0 {
		return res
	}

	for _, msg := range batch {
		sent, err := w.deliver(ctx, msg)
		if ctx.Err() != nil {
			// Прерванное сообщение остаётся pending до следующего прохода.
			return res
		}
		if err != nil {
			res.Failed++
			continue
		}
		if sent {
			res.Sent++
		}
	}

	w.observeBacklog(ctx)
	return res
}

// deliver публикует сообщение с повторами и фиксирует результат в репозитории.
// sent=false без ошибки означает, что сообщение опубликовано, но отметка не сохранилась.
func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) (sent bool, err error) {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
	})

	if err := w.publish(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.WithError(err).Error("outbox message exhausted publish attempts")
		publishAttempts.WithLabelValues(attemptExhausted).Inc()

		if dlqErr := w.deadLetter(ctx, msg, err); dlqErr != nil {
			// Сообщение нигде не сохранилось, поэтому остаётся pending до следующего прохода.
			logger.WithError(dlqErr).Warn("dead letter publish failed, message stays pending")
			publishAttempts.WithLabelValues(attemptDLQFailed).Inc()
			return false, err
		}
		if markErr := w.repo.MarkFailed(ctx, msg.ID); markErr != nil {
			logger.WithError(markErr).Warn("mark outbox message failed")
		}
		return false, err
	}

	if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("mark outbox message sent")
		return false, nil
	}
	return true, nil
}

func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := pause(ctx, w.backoff(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = w.publisher.Publish(ctx, msg)
		if lastErr == nil {
			publishAttempts.WithLabelValues(attemptSent).Inc()
			return nil
		}
		publishAttempts.WithLabelValues(attemptError).Inc()
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.maxAttempts, lastErr)
}

// backoff возвращает паузу после attempt-й неудачи: base, 2*base, 4*base и так далее.
func (w *Worker) backoff(attempt int) time.Duration {
	if w.baseDelay <= 0 || attempt < 1 {
		return 0
	}
	const ceiling = time.Duration(1<<63 - 1)
	delay := w.baseDelay
	for i := 1; i < attempt; i++ {
		if delay > ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return delay
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	if w.dlq == nil {
		return nil
	}
	letter, err := NewDeadLetterMessage(msg, cause, w.now())
	if err != nil {
		return err
	}
	if err := w.dlq.Publish(ctx, letter); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

// observeBacklog обновляет gauge'и backlog и предупреждает о превышении maxPending.
func (w *Worker) observeBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("collect outbox backlog stats")
		return
	}

	pendingGauge.Set(float64(stats.PendingCount))
	failedGauge.Set(float64(stats.FailedCount))
	over := stats.PendingCount > w.maxPending
	if over {
		backlogOverLimit.Set(1)
		w.logger.WithFields(log.Fields{"pending": stats.PendingCount, "limit": w.maxPending}).Warn("outbox backlog over limit")
	} else {
		backlogOverLimit.Set(0)
	}

	var age float64
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0)
	}
	oldestPendingAge.Set(age)
}
