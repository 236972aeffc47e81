package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderengine/internal/health"
	"github.com/vladislavdragonenkov/orderengine/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderengine/internal/storage/postgres"
)

// runtimeDependencies — хранилища, выбранные драйвером из конфигурации.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	sequenceRepo    domain.SequenceRepository
	statsRepo       domain.StatsRepository
	loyaltyLedger   domain.LoyaltyLedger

	storageChecker healthcheck.Checker
	closeFn        func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// initRuntimeDependencies открывает хранилище. Для postgres при PostgresAutoMigrate применяются миграции.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	switch driver {
	case StorageDriverMemory:
		outbox := memory.NewOutboxRepository()
		timeline := memory.NewTimelineRepository()
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			repo:            memory.NewOrderRepository(outbox, memory.WithTimelinePurge(timeline)),
			outboxRepo:      outbox,
			timelineRepo:    timeline,
			idempotencyRepo: memory.NewIdempotencyRepository(),
			sequenceRepo:    memory.NewSequenceRepository(),
			statsRepo:       memory.NewStatsRepository(),
			loyaltyLedger:   memory.NewLoyaltyLedger(),
			storageChecker: healthcheck.NewPingChecker("storage", func(context.Context) error {
				return nil
			}),
		}, nil
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres storage driver requires PostgresDSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			repo:            postgres.NewOrderRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			timelineRepo:    postgres.NewTimelineRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			sequenceRepo:    postgres.NewSequenceRepository(store),
			statsRepo:       postgres.NewStatsRepository(store),
			loyaltyLedger:   postgres.NewLoyaltyLedger(store),
			storageChecker:  healthcheck.NewPingChecker("storage", store.Ping),
			closeFn:         store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// outboxBacklog отдаёт размер outbox для проверки готовности.
type outboxBacklog struct {
	repo domain.OutboxRepository
}

func (b outboxBacklog) PendingCount(ctx context.Context) (int, error) {
	stats, err := b.repo.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.PendingCount, nil
}
