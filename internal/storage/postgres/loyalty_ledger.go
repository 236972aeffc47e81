package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

type loyaltyLedger struct {
	db *sql.DB
}

// NewLoyaltyLedger создаёт PostgreSQL-реализацию LoyaltyLedger.
func NewLoyaltyLedger(store *Store) domain.LoyaltyLedger {
	return &loyaltyLedger{db: store.DB()}
}

func (l *loyaltyLedger) Record(ctx context.Context, award domain.LoyaltyAward) (bool, error) {
	if award.OrderID == "" {
		return false, errors.New("loyalty award order id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	recorded := false
	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO loyalty_awards (order_id, customer_id, place_id, bonus, awarded_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (order_id) DO NOTHING
		`, award.OrderID, award.CustomerID, award.PlaceID, award.Bonus, award.AwardedAt)
		if err != nil {
			return fmt.Errorf("insert loyalty award: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("loyalty award rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}

		for _, gift := range award.Gifts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO gift_redemptions (order_id, gift_id, quantity)
				VALUES ($1, $2, $3)
				ON CONFLICT (order_id, gift_id) DO UPDATE
				SET quantity = gift_redemptions.quantity + EXCLUDED.quantity
			`, award.OrderID, gift.GiftID, gift.Quantity); err != nil {
				return fmt.Errorf("insert gift redemption: %w", err)
			}
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

var _ domain.LoyaltyLedger = (*loyaltyLedger)(nil)
