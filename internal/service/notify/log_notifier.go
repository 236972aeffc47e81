package notify

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// LogNotifier пишет уведомления в лог; используется, когда брокер не настроен.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт notifier поверх logrus.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "log-notifier")
	}
	return &LogNotifier{logger: logger}
}

// Notify реализует domain.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.WithFields(log.Fields{
		"notification_id": notification.ID,
		"audience":        notification.Audience,
		"order_id":        notification.OrderID,
		"number":          notification.OrderNumber,
		"place_id":        notification.PlaceID,
		"status":          notification.Status,
	}).Info("order notification")
	return nil
}

var _ domain.Notifier = (*LogNotifier)(nil)
