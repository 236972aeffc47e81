package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const orderColumns = `
	id, place_id, seq, year, month, channel, mode, payment_method_id, payment_type,
	status, progress, items, amount, discount, customer_id, name, email, phone,
	address, desired_at, comment, handled_by, test, version, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
// События outbox пишутся в ту же транзакцию, что и заказ.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order, events ...domain.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, address, err := encodeOrderDocuments(order)
	if err != nil {
		return err
	}
	if order.Version == 0 {
		order.Version = 1
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		`,
			order.ID, order.PlaceID, order.Sequence, order.Year, order.Month,
			string(order.Channel), string(order.Mode), order.PaymentMethodID, string(order.PaymentType),
			string(order.Status), order.Progress, items, order.Amount, order.Discount,
			order.CustomerID, order.Name, order.Email, order.Phone,
			address, nullTime(order.DesiredAt), order.Comment, order.HandledBy, order.Test,
			order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderAlreadyExists
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return insertOutboxMessages(ctx, tx, events)
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.PlaceID != "" {
		args = append(args, filter.PlaceID)
		where = append(where, fmt.Sprintf("place_id = $%d", len(args)))
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}

func (r *orderRepository) Save(ctx context.Context, order domain.Order, events ...domain.OutboxMessage) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, address, err := encodeOrderDocuments(order)
	if err != nil {
		return domain.Order{}, err
	}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    progress = $2,
			    items = $3,
			    amount = $4,
			    discount = $5,
			    name = $6,
			    email = $7,
			    phone = $8,
			    address = $9,
			    desired_at = $10,
			    comment = $11,
			    handled_by = $12,
			    version = version + 1,
			    updated_at = $13
			WHERE id = $14
			  AND version = $15
		`,
			string(order.Status), order.Progress, items, order.Amount, order.Discount,
			order.Name, order.Email, order.Phone, address, nullTime(order.DesiredAt),
			order.Comment, order.HandledBy, order.UpdatedAt,
			order.ID, order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrOrderVersionConflict
		}
		return insertOutboxMessages(ctx, tx, events)
	})
	if err != nil {
		return domain.Order{}, err
	}

	order.Version++
	return order, nil
}

func (r *orderRepository) DeleteTestOrders(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	// История удаляется тем же запросом, чтобы у вычищенных заказов не оставалось таймлайна.
	var removed int
	err := r.db.QueryRowContext(ctx, `
		WITH purged AS (
			DELETE FROM orders
			WHERE id IN (
				SELECT id FROM orders
				WHERE test AND created_at < $1
				ORDER BY created_at
				LIMIT $2
			)
			RETURNING id
		), history AS (
			DELETE FROM order_timeline WHERE order_id IN (SELECT id FROM purged)
		)
		SELECT count(*) FROM purged
	`, before, limit).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("delete test orders: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order          domain.Order
		channel, mode  string
		paymentType    string
		status         string
		items, address []byte
		desiredAt      sql.NullTime
	)

	if err := row.Scan(
		&order.ID, &order.PlaceID, &order.Sequence, &order.Year, &order.Month,
		&channel, &mode, &order.PaymentMethodID, &paymentType,
		&status, &order.Progress, &items, &order.Amount, &order.Discount,
		&order.CustomerID, &order.Name, &order.Email, &order.Phone,
		&address, &desiredAt, &order.Comment, &order.HandledBy, &order.Test,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.Channel = domain.Channel(channel)
	order.Mode = domain.FulfillmentMode(mode)
	order.PaymentType = domain.PaymentType(paymentType)
	order.Status = domain.OrderStatus(status)

	if err := json.Unmarshal(items, &order.Items); err != nil {
		return domain.Order{}, fmt.Errorf("decode order items: %w", err)
	}
	if len(address) > 0 {
		var addr domain.Address
		if err := json.Unmarshal(address, &addr); err != nil {
			return domain.Order{}, fmt.Errorf("decode order address: %w", err)
		}
		order.Address = &addr
	}
	if desiredAt.Valid {
		at := desiredAt.Time.UTC()
		order.DesiredAt = &at
	}

	return order, nil
}

func encodeOrderDocuments(order domain.Order) (items []byte, address []byte, err error) {
	lines := order.Items
	if lines == nil {
		lines = []domain.PricedLine{}
	}
	items, err = json.Marshal(lines)
	if err != nil {
		return nil, nil, fmt.Errorf("encode order items: %w", err)
	}
	if order.Address != nil {
		address, err = json.Marshal(order.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("encode order address: %w", err)
		}
	}
	return items, address, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
