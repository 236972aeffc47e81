package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// sequenceRepositoryInMemory — счётчики номеров заказов под общей блокировкой.
type sequenceRepositoryInMemory struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewSequenceRepository создаёт in-memory реализацию SequenceRepository.
func NewSequenceRepository() domain.SequenceRepository {
	return &sequenceRepositoryInMemory{counters: make(map[string]int64)}
}

func (r *sequenceRepositoryInMemory) Increment(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(key) == "" {
		return 0, domain.ErrSequenceScopeInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[key]++
	return r.counters[key], nil
}

func (r *sequenceRepositoryInMemory) Current(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counters[key], nil
}

var _ domain.SequenceRepository = (*sequenceRepositoryInMemory)(nil)
