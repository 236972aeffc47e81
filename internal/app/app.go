package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderengine/internal/health"
	"github.com/vladislavdragonenkov/orderengine/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderengine/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/orderengine/internal/service/grpc"
	"github.com/vladislavdragonenkov/orderengine/internal/service/outbox"
	"github.com/vladislavdragonenkov/orderengine/internal/service/retention"
	"github.com/vladislavdragonenkov/orderengine/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/orderengine/internal/version"
)

const (
	consumerMaxAttempts = 3
	consumerRetryDelay  = 200 * time.Millisecond
	shutdownTimeout     = 5 * time.Second
)

// Run поднимает хранилище, фоновые воркеры, gRPC и HTTP и работает до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	notifier, closeNotifier := initNotifier(ctx, cfg, logger)
	defer closeNotifier()

	eng, err := buildEngine(cfg, deps, notifier, logger)
	if err != nil {
		return err
	}

	// Ошибка уже залогирована; без producer события доставляются внутри процесса.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(producer, logger)

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	workers, workersCtx := errgroup.WithContext(workersCtx)

	publisher, dlqPublisher, consumer := eventDelivery(cfg, producer, eng, logger)
	if consumer != nil {
		if err := consumer.Start(workersCtx); err != nil {
			logger.WithError(err).Warn("failed to start kafka consumer")
		}
		defer func() {
			if err := consumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop kafka consumer")
			}
		}()
	}

	workerOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithMaxPending(cfg.OutboxMaxPending),
	}
	if dlqPublisher != nil {
		workerOpts = append(workerOpts, outbox.WithDLQPublisher(dlqPublisher))
	}
	outboxWorker := outbox.NewWorker(deps.outboxRepo, publisher, workerOpts...)
	sweeper := retention.NewRunner(retention.WithLogger(logger.WithField("component", "retention")))
	if err := sweeper.Add(retention.IdempotencyKeys(deps.idempotencyRepo, cfg.IdempotencyCleanupInterval, cfg.IdempotencyCleanupBatchSize)); err != nil {
		return err
	}
	if err := sweeper.Add(retention.TestOrders(deps.repo, cfg.TestOrderTTL, cfg.TestOrderPurgeInterval)); err != nil {
		return err
	}
	if dlqPublisher == nil {
		requeue := retention.OutboxRequeue(deps.outboxRepo, cfg.OutboxRequeueDelay, cfg.OutboxRequeueDelay, cfg.OutboxBatchSize)
		if err := sweeper.Add(requeue); err != nil {
			return err
		}
	}
	workers.Go(func() error { outboxWorker.Run(workersCtx); return nil })
	workers.Go(func() error { sweeper.Run(workersCtx); return nil })

	build := version.Get()
	metrics.RegisterBuildInfo(prometheus.DefaultRegisterer, build)
	healthHandler := healthcheck.NewHandler(build.Version)
	healthHandler.Register("storage", deps.storageChecker, healthcheck.Critical)
	healthHandler.Register("outbox", healthcheck.NewBacklogChecker("outbox", outboxBacklog{repo: deps.outboxRepo}, cfg.OutboxMaxPending), healthcheck.Critical)
	if producer != nil {
		healthHandler.Register("kafka", healthcheck.NewPingChecker("kafka", producer.Ping), healthcheck.Optional)
	}
	if pinger, ok := notifier.(interface{ Ping(context.Context) error }); ok {
		healthHandler.Register("rabbitmq", healthcheck.NewPingChecker("rabbitmq", pinger.Ping), healthcheck.Optional)
	}

	api, err := httpapi.NewRouter(httpapi.Deps{
		Assembler: eng.assembler,
		Lifecycle: eng.machine,
		Guard:     eng.httpGuard,
		Logger:    logger.WithField("component", "http-api"),
	})
	if err != nil {
		return err
	}

	orderService, err := grpcsvc.NewOrderService(eng.assembler, eng.machine, eng.grpcGuard, logger.WithField("layer", "grpc"))
	if err != nil {
		return err
	}

	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	grpcsvc.RegisterOrderEngineServer(grpcServer, orderService)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	workers.Go(func() error {
		healthHandler.SyncGRPC(workersCtx, healthServer, cfg.HealthSyncInterval, "", grpcsvc.ServiceName)
		return nil
	})
	grpcMetrics.InitializeMetrics(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	httpSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler, api)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	stopWorkers := func() {
		cancelWorkers()
		_ = workers.Wait()
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(httpSrv, logger)
		stopWorkers()
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(httpSrv, logger)
		stopWorkers()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// eventDelivery выбирает доставку событий outbox. С Kafka воркер пишет в топик, а проекции читает consumer group.
// Без Kafka воркер вызывает подписчиков напрямую.
func eventDelivery(cfg Config, producer *kafka.Producer, eng *engine, logger *log.Entry) (publisher, dlq domain.OutboxPublisher, consumer *kafka.Consumer) {
	if producer == nil {
		return eng.dispatcher, nil, nil
	}

	topic := cfg.KafkaTopic
	if topic == "" {
		topic = kafka.TopicOrderEvents
	}
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:     splitBrokers(cfg.KafkaBrokers),
		GroupID:     cfg.KafkaGroupID,
		Topics:      []string{topic},
		MaxAttempts: consumerMaxAttempts,
		RetryDelay:  consumerRetryDelay,
	}, kafka.EnvelopeHandler(eng.dispatcher), producer)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka consumer, projections run in-process")
		return eng.dispatcher, kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue), nil
	}
	return kafka.NewOutboxPublisher(producer, topic), kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue), consumer
}

// registerGRPCMetrics регистрирует метрики интерсептора или переиспользует уже зарегистрированные.
func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

// serviceMux собирает служебные маршруты и REST API под /v1/.
func serviceMux(healthHandler *healthcheck.Handler, api http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.Live)
	mux.HandleFunc("/readyz", healthHandler.Ready)
	if api != nil {
		mux.Handle("/v1/", api)
	}
	return mux
}

// startMetricsServer запускает HTTP-сервер на addr и останавливает его при отмене ctx.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler, api http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: serviceMux(healthHandler, api), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
