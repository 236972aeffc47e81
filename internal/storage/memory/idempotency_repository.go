package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

type idempotencyKey struct {
	scope domain.IdempotencyScope
	key   string
}

// idempotencyRepositoryInMemory держит ключи повторной отправки в карте по (scope, key).
type idempotencyRepositoryInMemory struct {
	mu      sync.Mutex
	records map[idempotencyKey]domain.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepositoryInMemory{
		records: make(map[idempotencyKey]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepositoryInMemory) Claim(ctx context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	claim, err := claim.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	now := r.now()
	if claim.ExpiresAt.IsZero() {
		claim.ExpiresAt = now.Add(defaultIdempotencyTTL)
	}
	id := idempotencyKey{scope: claim.Scope, key: claim.Key}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Просроченный ключ, который ещё не подчистил retention, считается свободным.
	if existing, ok := r.records[id]; ok && !existing.Expired(now) {
		if !existing.Matches(claim.RequestHash) {
			return copyIdempotencyRecord(existing), domain.ErrIdempotencyHashMismatch
		}
		return copyIdempotencyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	record := domain.IdempotencyRecord{
		IdempotencyClaim:   claim,
		IdempotencyOutcome: domain.IdempotencyOutcome{Status: domain.IdempotencyStatusProcessing},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.records[id] = record
	return copyIdempotencyRecord(record), nil
}

func (r *idempotencyRepositoryInMemory) Get(ctx context.Context, scope domain.IdempotencyScope, key string) (domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[idempotencyKey{scope: scope, key: key}]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyIdempotencyRecord(record), nil
}

func (r *idempotencyRepositoryInMemory) Complete(ctx context.Context, scope domain.IdempotencyScope, key string, outcome domain.IdempotencyOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !outcome.Status.Settled() {
		return domain.ErrIdempotencyOutcomeInvalid
	}
	id := idempotencyKey{scope: scope, key: strings.TrimSpace(key)}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	if record.Status.Settled() {
		return domain.ErrIdempotencyKeySettled
	}

	record.IdempotencyOutcome = outcome
	record.Body = append([]byte(nil), outcome.Body...)
	record.UpdatedAt = r.now()
	r.records[id] = record
	return nil
}

// DeleteExpired удаляет записи со сроком не позже before, начиная с самых старых.
func (r *idempotencyRepositoryInMemory) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]idempotencyKey, 0)
	for id, record := range r.records {
		if record.Expired(before) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return r.records[expired[i]].ExpiresAt.Before(r.records[expired[j]].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(r.records, id)
	}
	return len(expired), nil
}

func copyIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.Body = append([]byte(nil), src.Body...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyRepositoryInMemory)(nil)
