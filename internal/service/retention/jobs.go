package retention

import (
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const (
	// JobTestOrders — удаление тестовых заказов.
	JobTestOrders = "test-orders"
	// JobIdempotencyKeys — удаление просроченных ключей идемпотентности.
	JobIdempotencyKeys = "idempotency-keys"
	// JobOutboxRequeue — возврат в очередь сообщений outbox, исчерпавших попытки.
	JobOutboxRequeue = "outbox-requeue"
)

// TestOrders удаляет тестовые заказы, созданные раньше чем ttl назад. Реальные заказы не трогаются.
func TestOrders(orders domain.OrderRepository, ttl, interval time.Duration) Job {
	return Job{
		Name:     JobTestOrders,
		Interval: interval,
		MaxAge:   ttl,
		Sweep:    orders.DeleteTestOrders,
	}
}

// IdempotencyKeys удаляет ключи, чей собственный срок жизни уже истёк.
func IdempotencyKeys(keys domain.IdempotencyRepository, interval time.Duration, batchSize int) Job {
	return Job{
		Name:      JobIdempotencyKeys,
		Interval:  interval,
		BatchSize: batchSize,
		Sweep:     keys.DeleteExpired,
	}
}

// OutboxRequeue возвращает в pending сообщения, пролежавшие в failed дольше cooldown.
// Нужна, когда у outbox нет DLQ и повторить доставку больше некому.
func OutboxRequeue(outbox domain.OutboxRepository, cooldown, interval time.Duration, batchSize int) Job {
	return Job{
		Name:      JobOutboxRequeue,
		Interval:  interval,
		MaxAge:    cooldown,
		BatchSize: batchSize,
		Sweep:     outbox.Requeue,
	}
}
