package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// TimelineRepository держит историю заказов в памяти, упорядоченную по времени записи.
type TimelineRepository struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
}

func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{byOrder: make(map[string][]domain.TimelineEvent)}
}

// Append вставляет запись после всех записей с тем же или более ранним временем.
func (r *TimelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	history := r.byOrder[event.OrderID]
	at := sort.Search(len(history), func(i int) bool { return history[i].At.After(event.At) })
	history = append(history, domain.TimelineEvent{})
	copy(history[at+1:], history[at:])
	history[at] = event
	r.byOrder[event.OrderID] = history
	return nil
}

func (r *TimelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.TimelineEvent{}, r.byOrder[orderID]...), nil
}

func (r *TimelineRepository) drop(orderIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range orderIDs {
		delete(r.byOrder, id)
	}
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
