package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// LoyaltyLedger — in-memory журнал начислений, по одному на заказ.
type LoyaltyLedger struct {
	mu     sync.RWMutex
	awards map[string]domain.LoyaltyAward
}

// NewLoyaltyLedger создаёт пустой журнал.
func NewLoyaltyLedger() *LoyaltyLedger {
	return &LoyaltyLedger{awards: make(map[string]domain.LoyaltyAward)}
}

// Record сохраняет начисление, повтор по тому же заказу игнорируется.
func (l *LoyaltyLedger) Record(ctx context.Context, award domain.LoyaltyAward) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if award.OrderID == "" {
		return false, errors.New("loyalty award order id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.awards[award.OrderID]; exists {
		return false, nil
	}
	award.Gifts = append([]domain.GiftRedemption(nil), award.Gifts...)
	l.awards[award.OrderID] = award
	return true, nil
}

// Award возвращает начисление по заказу.
func (l *LoyaltyLedger) Award(orderID string) (domain.LoyaltyAward, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	award, ok := l.awards[orderID]
	return award, ok
}

// Balance суммирует бонусы клиента.
func (l *LoyaltyLedger) Balance(customerID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, award := range l.awards {
		if award.CustomerID == customerID {
			total += award.Bonus
		}
	}
	return total
}

var _ domain.LoyaltyLedger = (*LoyaltyLedger)(nil)
