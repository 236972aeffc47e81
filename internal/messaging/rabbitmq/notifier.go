// Package rabbitmq доставляет уведомления о заказах через topic exchange RabbitMQ.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const (
	// DefaultExchange — exchange уведомлений.
	DefaultExchange = "orderengine.notifications"

	defaultPublishTimeout = 10 * time.Second
	dialAttempts          = 5
)

// channel — часть *amqp.Channel, которой пользуется Notifier.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Notifier публикует domain.Notification с ключом маршрутизации notification.<audience>.
type Notifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	timeout  time.Duration
	logger   *log.Entry
}

// Dial подключается к брокеру с повторами и объявляет exchange.
func Dial(ctx context.Context, url, exchange string, logger *log.Entry) (*Notifier, error) {
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-notifier")
	}

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				notifier, setupErr := newNotifier(ch, exchange, logger)
				if setupErr == nil {
					notifier.conn = conn
					return notifier, nil
				}
				_ = ch.Close()
				chErr = setupErr
			}
			_ = conn.Close()
			err = chErr
		}
		lastErr = err

		if attempt == dialAttempts {
			break
		}
		wait := time.Duration(attempt) * time.Second
		logger.WithError(err).WithField("retry_in", wait).Warn("rabbitmq connection failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", dialAttempts, lastErr)
}

func newNotifier(ch channel, exchange string, logger *log.Entry) (*Notifier, error) {
	if ch == nil {
		return nil, errors.New("rabbitmq: channel is required")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Notifier{
		ch:       ch,
		exchange: exchange,
		timeout:  defaultPublishTimeout,
		logger:   logger,
	}, nil
}

// RoutingKey возвращает ключ маршрутизации для адресата.
func RoutingKey(audience domain.NotificationAudience) string {
	return "notification." + string(audience)
}

// Notify публикует уведомление persistent-сообщением. MessageId совпадает с ID уведомления.
func (n *Notifier) Notify(ctx context.Context, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    notification.ID,
		Timestamp:    notification.CreatedAt,
		Type:         string(notification.Status),
		Body:         body,
	}

	n.mu.Lock()
	err = n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(notification.Audience), false, false, publishing)
	n.mu.Unlock()
	if err != nil {
		n.logger.WithError(err).WithFields(log.Fields{
			"notification_id": notification.ID,
			"exchange":        n.exchange,
		}).Error("failed to publish notification")
		return fmt.Errorf("publish notification %s: %w", notification.ID, err)
	}

	n.logger.WithFields(log.Fields{
		"notification_id": notification.ID,
		"routing_key":     RoutingKey(notification.Audience),
		"size":            len(body),
	}).Debug("notification published")
	return nil
}

// Ping сообщает, что соединение с брокером закрыто. Notifier без соединения (тесты) считается живым.
func (n *Notifier) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.conn != nil && n.conn.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// Close закрывает канал и соединение.
func (n *Notifier) Close() error {
	var errs []error
	if n.ch != nil {
		if err := n.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ domain.Notifier = (*Notifier)(nil)
