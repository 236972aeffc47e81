package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, created_at`

// OutboxRepository хранит outbox_messages. Сообщение живёт в pending, пока воркер не переведёт его в sent или failed.
type OutboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{db: store.DB(), now: time.Now}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	msg = prepareOutboxMessage(msg)
	if err := insertOutboxMessage(ctx, r.db, msg); err != nil {
		return domain.OutboxMessage{}, err
	}
	return msg, nil
}

func (r *OutboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(domain.OutboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox: %w", err)
	}
	defer rows.Close()

	return scanOutboxRows(rows, limit)
}

// Stats считает pending и failed одним проходом по таблице.
func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			MIN(created_at) FILTER (WHERE status = $1)
		FROM outbox_messages
	`, string(domain.OutboxPending), string(domain.OutboxFailed)).Scan(&stats.PendingCount, &stats.FailedCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.OutboxSent)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.OutboxFailed)
}

// Requeue возвращает в pending failed-сообщения, чья последняя неудача случилась раньше before.
func (r *OutboxRepository) Requeue(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, updated_at = $4
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = $2 AND updated_at < $3
			ORDER BY created_at, id
			LIMIT $5
		)
	`, string(domain.OutboxPending), string(domain.OutboxFailed), before.UTC(), r.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("requeue failed outbox: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue failed outbox: %w", err)
	}
	return int(affected), nil
}

func (r *OutboxRepository) transition(ctx context.Context, id string, status domain.OutboxStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, updated_at = $3
		WHERE id = $1
	`, id, string(status), r.now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox %s as %s: %w", id, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox %s: %w", id, err)
	}
	if affected == 0 {
		return domain.ErrOutboxPublish
	}
	return nil
}

func scanOutboxRows(rows *sql.Rows, capacity int) ([]domain.OutboxMessage, error) {
	out := make([]domain.OutboxMessage, 0, capacity)
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

func prepareOutboxMessage(msg domain.OutboxMessage) domain.OutboxMessage {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

// insertOutboxMessage игнорирует повтор ID, чтобы ретрай транзакции не плодил события.
func insertOutboxMessage(ctx context.Context, db execer, msg domain.OutboxMessage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox_messages
			(id, aggregate_type, aggregate_id, event_type, payload, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, string(domain.OutboxPending), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", msg.ID, err)
	}
	return nil
}

func insertOutboxMessages(ctx context.Context, tx *sql.Tx, events []domain.OutboxMessage) error {
	for _, event := range events {
		if err := insertOutboxMessage(ctx, tx, prepareOutboxMessage(event)); err != nil {
			return err
		}
	}
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
