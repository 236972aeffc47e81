package domain

import (
	"context"
	"time"
)

// CatalogProvider — read-only доступ к каталогу. Отсутствующая сущность возвращается как ok=false без ошибки.
type CatalogProvider interface {
	GetProduct(ctx context.Context, id string) (Product, bool, error)
	GetPriceTiers(ctx context.Context, productID string) ([]PriceTier, error)
	GetModifierItems(ctx context.Context, ids []string) (map[string]ModifierItem, error)
	GetSeason(ctx context.Context, id string) (Season, bool, error)
	GetGift(ctx context.Context, id string) (Gift, bool, error)
}

// PaymentMethodProvider возвращает способы оплаты.
type PaymentMethodProvider interface {
	GetPaymentMethod(ctx context.Context, id string) (PaymentMethod, bool, error)
}

// PlaceAvailability проверяет, работает ли заведение прямо сейчас.
type PlaceAvailability interface {
	IsPlaceOperating(ctx context.Context, placeID string) (bool, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; доставка at-least-once, получатели идемпотентны.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// Requeue возвращает в pending до limit сообщений, помеченных failed раньше before.
	Requeue(ctx context.Context, before time.Time, limit int) (int, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит ключи повторной отправки корзины в разрезе транспорта.
type IdempotencyRepository interface {
	// Claim занимает ключ. Если ключ уже занят, возвращает сохранённую запись вместе с
	// ErrIdempotencyKeyAlreadyExists (тот же запрос) или ErrIdempotencyHashMismatch (другой запрос).
	Claim(ctx context.Context, claim IdempotencyClaim) (IdempotencyRecord, error)
	Get(ctx context.Context, scope IdempotencyScope, key string) (IdempotencyRecord, error)
	// Complete фиксирует итог обработки занятого ключа.
	Complete(ctx context.Context, scope IdempotencyScope, key string, outcome IdempotencyOutcome) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// SequenceRepository — атомарные счётчики номеров заказов.
type SequenceRepository interface {
	// Increment увеличивает счётчик key на единицу и возвращает новое значение, создавая его при первом обращении.
	Increment(ctx context.Context, key string) (int64, error)
	// Current возвращает текущее значение счётчика (0, если его ещё нет).
	Current(ctx context.Context, key string) (int64, error)
}

// StatsRepository хранит дневные агрегаты и журнал обработанных событий.
type StatsRepository interface {
	// ApplyOnce применяет приращения, только если ключ eventID ещё не обработан consumer'ом.
	ApplyOnce(ctx context.Context, consumer, eventID string, increments []StatIncrement) (bool, error)
	Daily(ctx context.Context, day time.Time, objectType, objectID string) (DailyStat, error)
}

// LoyaltyLedger фиксирует начисления бонусов и списания подарков.
type LoyaltyLedger interface {
	// Record сохраняет начисление; повтор по тому же заказу возвращает false.
	Record(ctx context.Context, award LoyaltyAward) (bool, error)
}

// Notifier доставляет уведомления во внешний канал.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}
