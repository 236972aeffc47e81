// Package sequence выдаёт номера заказов, уникальные в пределах (заведение, год, месяц).
package sequence

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// Allocator выдаёт номера поверх атомарного счётчика хранилища.
type Allocator struct {
	repo   domain.SequenceRepository
	logger *log.Entry
}

// NewAllocator создаёт Allocator.
func NewAllocator(repo domain.SequenceRepository, logger *log.Entry) (*Allocator, error) {
	if repo == nil {
		return nil, errors.New("sequence allocator: repository is required")
	}
	if logger == nil {
		logger = log.WithField("component", "sequence-allocator")
	}
	return &Allocator{repo: repo, logger: logger}, nil
}

// Next атомарно увеличивает счётчик области и возвращает новый номер.
func (a *Allocator) Next(ctx context.Context, scope domain.SequenceScope) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, domain.Validation(domain.KeyPlaceRequired, err.Error())
	}

	value, err := a.repo.Increment(ctx, scope.Key())
	if err != nil {
		return 0, fmt.Errorf("allocate sequence %s: %w", scope.Key(), err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("allocate sequence %s: non-positive value %d", scope.Key(), value)
	}

	a.logger.WithFields(log.Fields{
		"scope":    scope.Key(),
		"sequence": value,
	}).Debug("sequence allocated")

	return value, nil
}

// Current возвращает последний выданный номер области.
func (a *Allocator) Current(ctx context.Context, scope domain.SequenceScope) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, domain.Validation(domain.KeyPlaceRequired, err.Error())
	}
	return a.repo.Current(ctx, scope.Key())
}
