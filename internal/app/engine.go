package app

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/catalog"
	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/metrics"
	"github.com/vladislavdragonenkov/orderengine/internal/pricing"
	"github.com/vladislavdragonenkov/orderengine/internal/sequence"
	"github.com/vladislavdragonenkov/orderengine/internal/service/assembler"
	"github.com/vladislavdragonenkov/orderengine/internal/service/events"
	grpcsvc "github.com/vladislavdragonenkov/orderengine/internal/service/grpc"
	"github.com/vladislavdragonenkov/orderengine/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderengine/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/orderengine/internal/service/loyalty"
	"github.com/vladislavdragonenkov/orderengine/internal/service/notify"
	"github.com/vladislavdragonenkov/orderengine/internal/service/reporting"
)

// engine — собранные сервисы движка поверх выбранного хранилища.
type engine struct {
	assembler  *assembler.Assembler
	machine    *lifecycle.Machine
	dispatcher *events.Dispatcher
	// gRPC и HTTP хранят в записи ключа коды своего транспорта, поэтому guard у каждого свой.
	grpcGuard *idempotency.Guard
	httpGuard *idempotency.Guard
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// buildEngine связывает каталог, расчёт цен, нумерацию, машину состояний и подписчиков событий.
func buildEngine(cfg Config, deps *runtimeDependencies, notifier domain.Notifier, logger *log.Entry) (*engine, error) {
	location, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	file, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	provider := catalog.NewProvider(file)

	var resolverOpts []pricing.Option
	if cfg.StrictTiers {
		resolverOpts = append(resolverOpts, pricing.WithStrictTiers())
	}

	engineMetrics := metrics.NewEngineMetrics()

	allocator, err := sequence.NewAllocator(deps.sequenceRepo, logger.WithField("component", "sequence-allocator"))
	if err != nil {
		return nil, err
	}

	asm, err := assembler.New(assembler.Deps{
		Catalog:   provider,
		Payments:  provider,
		Places:    provider,
		Orders:    deps.repo,
		Timeline:  deps.timelineRepo,
		Sequences: allocator,
		Resolver:  pricing.NewResolver(resolverOpts...),
		Metrics:   engineMetrics,
		Logger:    logger.WithField("component", "order-assembler"),
		Location:  location,
	})
	if err != nil {
		return nil, err
	}

	machine, err := lifecycle.New(deps.repo,
		lifecycle.WithTimeline(deps.timelineRepo),
		lifecycle.WithMetrics(engineMetrics),
		lifecycle.WithLogger(logger.WithField("component", "order-lifecycle")),
	)
	if err != nil {
		return nil, err
	}

	projector, err := reporting.NewProjector(deps.statsRepo, location, engineMetrics, logger.WithField("component", "reporting-projector"))
	if err != nil {
		return nil, err
	}
	awarder, err := loyalty.NewAwarder(deps.loyaltyLedger, cfg.Loyalty, logger.WithField("component", "loyalty-awarder"))
	if err != nil {
		return nil, err
	}
	router, err := notify.NewRouter(notifier, logger.WithField("component", "notify-router"))
	if err != nil {
		return nil, err
	}
	dispatcher := events.NewDispatcher(logger.WithField("component", "event-dispatcher"), projector, awarder, router)

	grpcGuard, err := idempotency.NewGuard(deps.idempotencyRepo, domain.IdempotencyScopeGRPC,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithResponseCodes(grpcsvc.ResponseCode),
		idempotency.WithGuardLogger(logger.WithField("component", "grpc-idempotency")),
	)
	if err != nil {
		return nil, err
	}
	httpGuard, err := idempotency.NewGuard(deps.idempotencyRepo, domain.IdempotencyScopeHTTP,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithGuardLogger(logger.WithField("component", "http-idempotency")),
	)
	if err != nil {
		return nil, err
	}

	return &engine{
		assembler:  asm,
		machine:    machine,
		dispatcher: dispatcher,
		grpcGuard:  grpcGuard,
		httpGuard:  httpGuard,
	}, nil
}
