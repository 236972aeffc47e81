package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

type outboxEntry struct {
	msg      domain.OutboxMessage
	status   domain.OutboxStatus
	attempts int
	seq      uint64
	failedAt time.Time
}

// OutboxRepository — outbox в памяти. Порядок выдачи: created_at, затем порядок Enqueue.
type OutboxRepository struct {
	mu      sync.RWMutex
	entries map[string]*outboxEntry
	seq     uint64
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{entries: make(map[string]*outboxEntry), now: time.Now}
}

// Enqueue добавляет сообщение в статусе pending. Повтор ID возвращает уже сохранённое сообщение.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if existing, ok := r.entries[msg.ID]; ok {
		return existing.msg, nil
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now().UTC()
	}
	r.seq++
	r.entries[msg.ID] = &outboxEntry{msg: msg, status: domain.OutboxPending, seq: r.seq}
	return msg, nil
}

func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := r.selectLocked(domain.OutboxPending)
	return pending[:min(limit, len(pending))], nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range r.entries {
		switch e.status {
		case domain.OutboxPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || e.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = e.msg.CreatedAt
			}
		case domain.OutboxFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.transition(id, domain.OutboxSent)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.transition(id, domain.OutboxFailed)
}

// AllPending — снимок очереди для тестов.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectLocked(domain.OutboxPending)
}

// Failed — сообщения, ушедшие в DLQ, в порядке создания.
func (r *OutboxRepository) Failed() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectLocked(domain.OutboxFailed)
}

func (r *OutboxRepository) transition(id string, status domain.OutboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	e.status = status
	e.attempts++
	if status == domain.OutboxFailed {
		e.failedAt = r.now().UTC()
	}
	return nil
}

// Requeue возвращает failed-сообщения в очередь, самые старые первыми.
func (r *OutboxRepository) Requeue(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	requeued := 0
	for _, msg := range r.selectLocked(domain.OutboxFailed) {
		if limit > 0 && requeued >= limit {
			break
		}
		e := r.entries[msg.ID]
		if !e.failedAt.Before(before) {
			continue
		}
		e.status = domain.OutboxPending
		e.failedAt = time.Time{}
		requeued++
	}
	return requeued, nil
}

func (r *OutboxRepository) selectLocked(status domain.OutboxStatus) []domain.OutboxMessage {
	picked := make([]*outboxEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.status == status {
			picked = append(picked, e)
		}
	}
	sort.Slice(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]domain.OutboxMessage, len(picked))
	for i, e := range picked {
		out[i] = e.msg
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
