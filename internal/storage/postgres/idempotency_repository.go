package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

const idempotencyColumns = `scope, key, request_hash, expires_at, status, order_id, response_body, response_code, created_at, updated_at`

// idempotencyRepository хранит ключи в idempotency_keys с первичным ключом (scope, key).
type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

// Claim вставляет ключ или перезанимает просроченный одним запросом.
// Пустой RETURNING означает, что ключ живой и принадлежит другому запросу или этому же.
func (r *idempotencyRepository) Claim(ctx context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	claim, err := claim.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	now := time.Now().UTC()
	if claim.ExpiresAt.IsZero() {
		claim.ExpiresAt = now.Add(defaultIdempotencyTTL)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record, err := scanIdempotencyRecord(r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (scope, key, request_hash, expires_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (scope, key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    expires_at = EXCLUDED.expires_at,
		    status = EXCLUDED.status,
		    order_id = NULL,
		    response_body = NULL,
		    response_code = NULL,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING `+idempotencyColumns,
		string(claim.Scope), claim.Key, claim.RequestHash, claim.ExpiresAt,
		string(domain.IdempotencyStatusProcessing), now,
	))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	existing, err := r.Get(ctx, claim.Scope, claim.Key)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("load claimed idempotency key: %w", err)
	}
	if !existing.Matches(claim.RequestHash) {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *idempotencyRepository) Get(ctx context.Context, scope domain.IdempotencyScope, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanIdempotencyRecord(r.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE scope = $1 AND key = $2`,
		string(scope), key,
	))
}

// Complete переводит ключ из processing в итоговый статус; повторная фиксация запрещена.
func (r *idempotencyRepository) Complete(ctx context.Context, scope domain.IdempotencyScope, key string, outcome domain.IdempotencyOutcome) error {
	if !outcome.Status.Settled() {
		return domain.ErrIdempotencyOutcomeInvalid
	}
	key = strings.TrimSpace(key)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $3,
		    order_id = NULLIF($4, ''),
		    response_body = $5,
		    response_code = $6,
		    updated_at = NOW()
		WHERE scope = $1 AND key = $2 AND status = $7
	`,
		string(scope), key, string(outcome.Status), outcome.OrderID, outcome.Body, outcome.Code,
		string(domain.IdempotencyStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := r.Get(ctx, scope, key); err != nil {
		return err
	}
	return domain.ErrIdempotencyKeySettled
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = -1
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// LIMIT NULL снимает ограничение, поэтому limit<=0 удаляет все просроченные ключи.
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE (scope, key) IN (
			SELECT scope, key
			FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT NULLIF($2, -1)
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

func scanIdempotencyRecord(row *sql.Row) (domain.IdempotencyRecord, error) {
	var (
		record  domain.IdempotencyRecord
		scope   string
		status  string
		orderID sql.NullString
		code    sql.NullInt64
	)
	err := row.Scan(
		&scope, &record.Key, &record.RequestHash, &record.ExpiresAt, &status,
		&orderID, &record.Body, &code, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, err
	}

	record.Scope = domain.IdempotencyScope(scope)
	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s/%s has unknown status %q", scope, record.Key, status)
	}
	record.OrderID = orderID.String
	record.Code = int(code.Int64)
	return record, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
