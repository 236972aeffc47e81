package domain

import "time"

// LoyaltyPolicy — параметры программы лояльности, передаются явно, а не читаются из глобального конфига.
type LoyaltyPolicy struct {
	CashbackEnabled bool
	// CashbackPercent в процентах от суммы заказа.
	CashbackPercent int
	// MinOrderAmount — минимальная сумма заказа для начисления.
	MinOrderAmount int64
	// MaxBonus ограничивает начисление за один заказ; 0 — без ограничения.
	MaxBonus int64
}

// Bonus считает кэшбэк за сумму заказа по политике.
func (p LoyaltyPolicy) Bonus(amount int64) int64 {
	if !p.CashbackEnabled || p.CashbackPercent <= 0 || amount <= 0 || amount < p.MinOrderAmount {
		return 0
	}
	bonus := amount * int64(p.CashbackPercent) / 100
	if p.MaxBonus > 0 && bonus > p.MaxBonus {
		bonus = p.MaxBonus
	}
	return bonus
}

// GiftRedemption фиксирует использованный подарок.
type GiftRedemption struct {
	GiftID   string
	Quantity int
}

// LoyaltyAward — начисление по завершённому заказу.
type LoyaltyAward struct {
	OrderID    string
	CustomerID string
	PlaceID    string
	Bonus      int64
	Gifts      []GiftRedemption
	AwardedAt  time.Time
}
