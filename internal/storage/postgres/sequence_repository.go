package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

type sequenceRepository struct {
	db *sql.DB
}

// NewSequenceRepository создаёт PostgreSQL-реализацию SequenceRepository.
// Атомарность Increment обеспечивает сам upsert, блокировок на стороне приложения нет.
func NewSequenceRepository(store *Store) domain.SequenceRepository {
	return &sequenceRepository{db: store.DB()}
}

func (r *sequenceRepository) Increment(ctx context.Context, key string) (int64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, domain.ErrSequenceScopeInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var value int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO order_sequences (key, value, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = order_sequences.value + 1,
		    updated_at = NOW()
		RETURNING value
	`, key).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment sequence: %w", err)
	}
	return value, nil
}

func (r *sequenceRepository) Current(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var value int64
	err := r.db.QueryRowContext(ctx, `SELECT value FROM order_sequences WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("select sequence: %w", err)
	}
	return value, nil
}

var _ domain.SequenceRepository = (*sequenceRepository)(nil)
