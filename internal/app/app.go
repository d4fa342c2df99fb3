// Package app собирает сервис: хранилище, движок, HTTP API, gRPC health, метрики и фоновые воркеры.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/ordercore/internal/health"
	"github.com/vladislavdragonenkov/ordercore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
	"github.com/vladislavdragonenkov/ordercore/internal/service/api"
	"github.com/vladislavdragonenkov/ordercore/internal/service/engine"
	"github.com/vladislavdragonenkov/ordercore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordercore/internal/service/numbering"
	"github.com/vladislavdragonenkov/ordercore/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordercore/internal/service/stock"
	"github.com/vladislavdragonenkov/ordercore/internal/version"
)

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
// Штатная остановка по ctx возвращает nil.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	// Ошибка Kafka не фатальна: сервис работает без публикации outbox.
	producer, _ := initKafkaProducer(cfg.Kafka, logger)
	defer closeKafka(producer, logger)

	eng, err := newEngine(cfg, deps, logger)
	if err != nil {
		return err
	}

	healthHandler := newHealthHandler(deps, producer)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newAPIRouter(cfg, eng, deps, healthHandler, logger),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           newMetricsMux(healthHandler),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	grpcServer, grpcHealth := newGRPCServer(logger)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("HTTP API слушает %s", cfg.HTTP.Addr)
		return serveHTTP(httpSrv)
	})
	g.Go(func() error {
		logger.Infof("метрики доступны по адресу %s/metrics", cfg.Metrics.Addr)
		return serveHTTP(metricsSrv)
	})
	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if producer != nil {
		worker := newOutboxWorker(cfg.Outbox, deps, producer, logger)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	} else {
		logger.Info("kafka is not configured, outbox worker disabled")
	}

	cleanup := idempotency.NewCleanupWorker(deps.idempotency,
		idempotency.WithLogger(logger.WithField("worker", "idempotency-cleanup")),
		idempotency.WithMetrics(metrics.NewIdempotencyMetrics()),
		idempotency.WithInterval(cfg.Idempotency.CleanupInterval),
		idempotency.WithBatchSize(cfg.Idempotency.CleanupBatch),
	)
	g.Go(func() error {
		cleanup.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()

		shutdownHTTP(shutdownCtx, httpSrv, logger)
		stopGRPC(shutdownCtx, grpcServer, logger)
		shutdownHTTP(shutdownCtx, metricsSrv, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("сервис остановлен")
	return nil
}

func newEngine(cfg Config, deps *runtimeDependencies, logger *log.Entry) (*engine.Engine, error) {
	loc, err := cfg.Numbering.Location()
	if err != nil {
		return nil, fmt.Errorf("numbering time zone: %w", err)
	}

	m := metrics.NewEngineMetrics()
	numbers := numbering.New(deps.transactions, deps.catalog, numbering.Config{
		MaxAttempts: cfg.Numbering.MaxAttempts,
		BaseDelay:   cfg.Numbering.BaseDelay,
		MaxDelay:    cfg.Numbering.MaxDelay,
		Location:    loc,
	},
		numbering.WithObserver(m),
		numbering.WithLogger(logger.WithField("layer", "numbering")),
	)

	engineCfg := engine.DefaultConfig()
	engineCfg.PaymentTermDays = cfg.Invoice.PaymentTermDays
	engineCfg.NumberAttempts = cfg.Numbering.MaxAttempts

	return engine.New(engine.Dependencies{
		Transactions: deps.transactions,
		Stock:        deps.stock,
		Numbers:      numbers,
		Guard:        stock.NewGuard(deps.stock, deps.catalog, m),
		Timeline:     deps.timeline,
		Outbox:       deps.outbox,
		Metrics:      m,
	}, engineCfg, engine.WithLogger(logger.WithField("layer", "engine"))), nil
}

func newAPIRouter(cfg Config, eng *engine.Engine, deps *runtimeDependencies, checks *healthcheck.Handler, logger *log.Entry) http.Handler {
	idem := api.NewIdempotency(deps.idempotency, cfg.Idempotency.TTL, logger.WithField("layer", "idempotency"))
	handler := api.NewHandler(eng, idem, logger.WithField("layer", "http"))
	return api.NewRouter(handler, checks, api.RouterConfig{AllowedOrigins: cfg.HTTP.AllowedOrigins}, logger.WithField("layer", "http"))
}

func newHealthHandler(deps *runtimeDependencies, producer *kafka.Producer) *healthcheck.Handler {
	h := healthcheck.NewHandler(version.Version())
	h.RegisterChecker("storage", healthcheck.NewFuncChecker("storage", deps.ping))
	if producer != nil {
		h.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", producer.Ping))
	}
	return h
}

func newOutboxWorker(cfg OutboxConfig, deps *runtimeDependencies, producer *kafka.Producer, logger *log.Entry) *outbox.Worker {
	return outbox.NewWorker(deps.outbox, kafka.NewOutboxPublisher(producer, ""),
		outbox.WithLogger(logger.WithField("worker", "outbox")),
		outbox.WithMetrics(metrics.NewOutboxMetrics()),
		outbox.WithDLQPublisher(kafka.NewDLQPublisher(producer)),
		outbox.WithPollInterval(cfg.PollInterval),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithMaxAttempts(cfg.MaxAttempts),
		outbox.WithRetryBaseDelay(cfg.RetryDelay),
	)
}

// newGRPCServer поднимает gRPC с health-сервисом, reflection и prometheus-интерцепторами.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

// newMetricsMux отдаёт /metrics и пробы на отдельном порту.
func newMetricsMux(checks *healthcheck.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", checks)
	mux.HandleFunc("/readyz", checks.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return mux
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	}
	return nil
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(ctx context.Context, srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("addr", srv.Addr).Warn("http shutdown with error")
	}
}

// stopGRPC ждёт GracefulStop до дедлайна ctx, затем останавливает принудительно.
func stopGRPC(ctx context.Context, srv *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}
