package lifecycle

import "github.com/vladislavdragonenkov/orderengine/internal/domain"

// transitions — допустимые переходы статусов. Из конечных статусов переходов нет.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusUnpaid: {
		domain.OrderStatusNew, domain.OrderStatusCanceled, domain.OrderStatusArchived,
	},
	domain.OrderStatusNew: {
		domain.OrderStatusProcessed, domain.OrderStatusPreparing, domain.OrderStatusGoing,
		domain.OrderStatusDelivered, domain.OrderStatusFinished, domain.OrderStatusCanceled,
		domain.OrderStatusArchived,
	},
	domain.OrderStatusProcessed: {
		domain.OrderStatusPreparing, domain.OrderStatusGoing, domain.OrderStatusDelivered,
		domain.OrderStatusFinished, domain.OrderStatusReturned, domain.OrderStatusCanceled,
		domain.OrderStatusArchived,
	},
	domain.OrderStatusPreparing: {
		domain.OrderStatusGoing, domain.OrderStatusDelivered, domain.OrderStatusFinished,
		domain.OrderStatusReturned, domain.OrderStatusCanceled, domain.OrderStatusArchived,
	},
	domain.OrderStatusGoing: {
		domain.OrderStatusDelivered, domain.OrderStatusFinished, domain.OrderStatusReturned,
		domain.OrderStatusCanceled, domain.OrderStatusArchived,
	},
	domain.OrderStatusDelivered: {
		domain.OrderStatusFinished, domain.OrderStatusReturned, domain.OrderStatusCanceled,
		domain.OrderStatusArchived,
	},
	domain.OrderStatusReturned: {
		domain.OrderStatusProcessed, domain.OrderStatusPreparing, domain.OrderStatusGoing,
		domain.OrderStatusFinished, domain.OrderStatusCanceled, domain.OrderStatusArchived,
	},
}

// CanTransition сообщает, разрешён ли переход from → to.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions возвращает копию списка статусов, доступных из from.
func AllowedTransitions(from domain.OrderStatus) []domain.OrderStatus {
	return append([]domain.OrderStatus(nil), transitions[from]...)
}

// eventTypeFor определяет событие outbox для перехода в статус: new публикуется как создание,
// finished как обновление, остальные переходы событий не порождают.
func eventTypeFor(to domain.OrderStatus) (string, bool) {
	switch to {
	case domain.OrderStatusNew:
		return domain.EventOrderCreated, true
	case domain.OrderStatusFinished:
		return domain.EventOrderUpdated, true
	default:
		return "", false
	}
}
