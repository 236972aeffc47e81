package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ вместе с событиями outbox одной операцией.
	Create(ctx context.Context, order Order, events ...OutboxMessage) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// List возвращает заказы по фильтру, новые первыми.
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
	// Save применяет обновления при совпадении order.Version и возвращает сохранённую версию.
	Save(ctx context.Context, order Order, events ...OutboxMessage) (Order, error)
	// DeleteTestOrders удаляет до limit тестовых заказов, созданных раньше before.
	DeleteTestOrders(ctx context.Context, before time.Time, limit int) (int, error)
}
