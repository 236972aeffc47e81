// Package loyalty начисляет кэшбэк и списывает подарки по завершённым заказам клиентов.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// Awarder — обработчик событий заказа, фиксирующий бонусы в журнале.
type Awarder struct {
	ledger domain.LoyaltyLedger
	policy domain.LoyaltyPolicy
	clock  func() time.Time
	logger *log.Entry
}

// NewAwarder создаёт обработчик с заданной политикой начислений.
func NewAwarder(ledger domain.LoyaltyLedger, policy domain.LoyaltyPolicy, logger *log.Entry) (*Awarder, error) {
	if ledger == nil {
		return nil, errors.New("loyalty: ledger is required")
	}
	if policy.CashbackPercent < 0 || policy.CashbackPercent > 100 {
		return nil, fmt.Errorf("loyalty: cashback percent %d is out of range", policy.CashbackPercent)
	}
	if logger == nil {
		logger = log.WithField("component", "loyalty-awarder")
	}
	return &Awarder{ledger: ledger, policy: policy, clock: time.Now, logger: logger}, nil
}

// Name реализует events.Handler.
func (a *Awarder) Name() string { return "loyalty" }

// HandleOrderEvent начисляет бонус один раз на заказ.
func (a *Awarder) HandleOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	order := event.Order
	if order.Status != domain.OrderStatusFinished || order.CustomerID == "" || order.Test {
		return nil
	}

	award := domain.LoyaltyAward{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		PlaceID:    order.PlaceID,
		Bonus:      a.policy.Bonus(order.Amount),
		Gifts:      Redemptions(order),
		AwardedAt:  a.clock().UTC(),
	}
	if award.Bonus == 0 && len(award.Gifts) == 0 {
		return nil
	}

	recorded, err := a.ledger.Record(ctx, award)
	if err != nil {
		return fmt.Errorf("record loyalty award for order %s: %w", order.ID, err)
	}
	fields := log.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
		"bonus":       award.Bonus,
		"gifts":       len(award.Gifts),
	}
	if !recorded {
		a.logger.WithFields(fields).Debug("loyalty award already recorded")
		return nil
	}
	a.logger.WithFields(fields).Info("loyalty award recorded")
	return nil
}

// Redemptions считает использованные подарки заказа.
func Redemptions(order domain.Order) []domain.GiftRedemption {
	counts := make(map[string]int)
	for _, item := range order.Items {
		if item.GiftID != "" {
			counts[item.GiftID]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	result := make([]domain.GiftRedemption, 0, len(counts))
	for id, qty := range counts {
		result = append(result, domain.GiftRedemption{GiftID: id, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].GiftID < result[j].GiftID })
	return result
}
