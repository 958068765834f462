package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/cmd/server/config"
	"storefront/internal/adapters/httpapi"
	"storefront/internal/alert"
	"storefront/internal/dlq"
	"storefront/internal/lock"
	"storefront/internal/observability"
	"storefront/internal/orders"
	"storefront/internal/orders/saga"
	"storefront/internal/outbox"
	"storefront/internal/realtime"
	"storefront/internal/reliability"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	logger, err := newLogger(os.Getenv("APP_ENV"))
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	gin.SetMode(gin.ReleaseMode)

	if err := run(ctx, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	store, cleanupStore, err := buildBackend(ctx, dbCfg, logger)
	if err != nil {
		return err
	}
	defer cleanupStore()
	if dbCfg.SeedFile != "" {
		if err := loadSeed(ctx, dbCfg.SeedFile, store.catalog); err != nil {
			return err
		}
		logger.Info("catalog seeded", zap.String("file", dbCfg.SeedFile))
	}

	lockCfg, err := config.LoadLock()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	outboxCfg, err := config.LoadOutbox()
	if err != nil {
		return err
	}

	var (
		locker  lock.Locker = lock.NewMemoryLocker()
		primary outbox.Publisher
	)
	if redisCfg.Enabled() {
		client, err := buildRedisClient(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		}()
		locker = lock.NewRedisLocker(client, lockCfg.RetryEvery)
		primary = outbox.NewRedisStreamPublisher(client, redisCfg.Stream, redisCfg.StreamMaxLen)
	} else {
		logger.Warn("REDIS_URL not set, using in-process locks")
	}

	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	if kafkaCfg.Enabled() {
		kafkaPublisher := outbox.NewKafkaPublisher(outbox.NewKafkaWriter(kafkaCfg.Brokers), kafkaCfg.Topic)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				logger.Warn("close kafka writer", zap.Error(err))
			}
		}()
		primary = kafkaPublisher
	}
	if primary == nil {
		primary = outbox.NewLogPublisher(logger)
	}

	relCfg, err := config.LoadReliability()
	if err != nil {
		return err
	}
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		MaxFailures:  relCfg.BreakerMaxFailures,
		ResetTimeout: relCfg.BreakerResetTimeout,
		OnStateChange: func(from, to reliability.BreakerState) {
			logger.Warn("outbox publisher breaker",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	hub := realtime.NewHub(outboxCfg.BroadcastSize, logger)
	publisher := outbox.NewFanoutPublisher(outbox.NewBreakerPublisher(primary, breaker), hub, logger)

	alerter := alert.NewLogAlerter(logger)
	recorder, closeRecorder, err := buildRecorder(store, logger)
	if err != nil {
		return err
	}
	defer closeRecorder()
	failures := saga.NewFailureHandler(recorder, alerter, logger, reliability.RetryPolicy{
		MaxAttempts: relCfg.RetryAttempts,
		BaseDelay:   relCfg.RetryBaseDelay,
		MaxDelay:    relCfg.RetryMaxDelay,
	})

	service := orders.NewOrderService(store.repos, orders.ServiceOptions{
		Locker:     locker,
		LockPolicy: lock.Policy{Wait: lockCfg.WaitTimeout, Lease: lockCfg.LeaseTimeout},
		Failures:   failures,
		Observer:   metrics,
		Logger:     logger,
	})

	dispatcher := outbox.NewDispatcher(store.outbox, publisher, alerter, logger, outbox.DispatcherConfig{
		PollInterval: outboxCfg.PollInterval,
		BatchSize:    outboxCfg.BatchSize,
		MaxAttempts:  outboxCfg.MaxAttempts,
		Backoff: reliability.RetryPolicy{
			BaseDelay: outboxCfg.BaseBackoff,
			MaxDelay:  outboxCfg.MaxBackoff,
		},
		Limiter: reliability.NewRateLimiter(outboxCfg.PublishRate, outboxCfg.PublishBurst).OnWait(metrics.AddRateLimitWait),
	}).WithObserver(metrics)

	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	intakeLimiter := reliability.NewRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	api := httpapi.NewServer(service, intakeLimiter, metrics, logger)
	routes := api.Routes()
	routes.GET("/ws", gin.WrapH(hub))
	apiSrv := &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           routes,
		ReadHeaderTimeout: 5 * time.Second,
	}
	obsSrv := newObservabilityServer(obsCfg.Addr, metrics)

	grpcLimiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	grpcSrv := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(grpcLimiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(grpcLimiter, metrics, logger)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(grpcSrv)
		logger.Info("gRPC reflection enabled", zap.String("app_env", env))
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("order intake listening", zap.String("addr", httpCfg.Addr))
		return serveHTTP(apiSrv)
	})
	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", obsCfg.Addr))
		return serveHTTP(obsSrv)
	})
	g.Go(func() error {
		logger.Info("grpc health listening", zap.String("addr", grpcCfg.Addr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown order intake", zap.Error(err))
		}
		if err := obsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown metrics", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func buildRecorder(store backend, logger *zap.Logger) (saga.Recorder, func(), error) {
	dlqCfg, err := config.LoadDLQ()
	if err != nil {
		return nil, nil, err
	}
	var sinks []saga.Recorder
	if store.recorder != nil {
		sinks = append(sinks, store.recorder)
	}
	cleanup := func() {}
	if dlqCfg.File != "" {
		file, err := dlq.NewFileRecorder(dlqCfg.File)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, file)
		cleanup = func() {
			if err := file.Close(); err != nil {
				logger.Warn("close dlq file", zap.Error(err))
			}
		}
	}
	if len(sinks) == 0 {
		logger.Warn("no dead-letter sink configured, failed compensations are only logged")
	}
	return dlq.NewMultiRecorder(sinks...), cleanup, nil
}

func newObservabilityServer(addr string, metrics *observability.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
