package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service",
		zap.String("env", cfg.Server.Env),
		zap.String("store", cfg.Database.Driver))

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()

	var repo store.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = store.NewMemoryStore()
		logger.Warn("Using in-memory store, data is lost on restart")
	case "postgres":
		pg, err := store.NewPostgresStore(cfg.Database.URL, cfg.Business.LockTimeout)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		repo = pg
		logger.Info("Database connected")
	default:
		logger.Fatal("Unknown STORE_DRIVER", zap.String("driver", cfg.Database.Driver))
	}
	defer repo.Close()

	var (
		locker lock.Locker = lock.NewLocalLocker(cfg.Business.LockTimeout)
		cache  service.AvailabilityCache
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CacheTTL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locker = redisclient.NewLocker(redisClient, cfg.Business.LockTTL, cfg.Business.LockTimeout)
		cache = redisClient
		logger.Info("Redis connected, using distributed locks and availability cache")
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process locks; run a single replica")
	}

	verifier := payment.NewHTTPVerifier(&http.Client{}, cfg.Payment.ValidationURL, cfg.Payment.StoreID, cfg.Payment.StorePassword)

	ledger := service.NewInventoryLedger(repo, locker, cache)
	machine := service.NewOrderStateMachine(repo, locker, ledger)
	dedup := service.NewPaymentDeduplicator(repo, cfg.Payment.ProcessingLease)
	coordinator := service.NewFulfillmentCoordinator(repo, verifier, dedup, machine, ledger, cfg.Payment.VerificationTimeout)
	orderService := service.NewOrderService(repo, locker, ledger)

	if err := ledger.WarmCache(ctx); err != nil {
		logger.Error("Failed to warm inventory cache", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var callbackWorker *worker.PaymentCallbackWorker
	if len(cfg.Kafka.Brokers) > 0 {
		cartProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCartCommands)
		defer cartProducer.Close()
		notifyProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer notifyProducer.Close()
		alertProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
		defer alertProducer.Close()
		logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

		relay := worker.NewOutboxRelay(
			repo,
			broker.NewCartClient(cartProducer),
			broker.NewNotifier(notifyProducer),
			broker.NewAlerter(alertProducer),
			cfg.Business.OutboxPollInterval,
			cfg.Business.OutboxBatchSize,
			cfg.Business.OutboxMaxAttempts,
		)
		go func() {
			if err := relay.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Outbox relay error", zap.Error(err))
			}
		}()

		if cfg.Kafka.CallbackConsumerOn {
			consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks, cfg.Kafka.ConsumerGroup)
			callbackWorker = worker.NewPaymentCallbackWorker(consumer, coordinator)
			go func() {
				if err := callbackWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
					logger.Error("Payment callback worker error", zap.Error(err))
				}
			}()
		}
	} else {
		logger.Warn("KAFKA_BROKERS not set, outbox messages stay queued until a relay runs")
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, coordinator, ledger, repo)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if callbackWorker != nil {
		_ = callbackWorker.Stop()
	}

	logger.Info("Server exited")
}
