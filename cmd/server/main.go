/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wallet ledger and referral settlement server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, .env, WALLET_* env), then apply flags
  2. Build the logger
  3. Open the store (sqlite, postgres or memory)
  4. Optional Redis: event publisher and/or program settings backend
  5. Build ledger, referral engine, HTTP router
  6. Start the scheduler and the optional Kafka consumer
  7. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -config  Config file path (optional)
  -port    HTTP server port (overrides http_port)
  -db      SQLite database path (overrides sqlite_path)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the Kafka consumer and the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store and Redis connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/wallet.db"

  # PostgreSQL, Redis events, Kafka activity events
  WALLET_DB_DRIVER=postgres WALLET_POSTGRES_DSN=postgres://... \
  WALLET_REDIS_ADDR=localhost:6379 WALLET_KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: All configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/api"
	"github.com/warp/wallet-ledger/config"
	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/logging"
	"github.com/warp/wallet-ledger/metrics"
	"github.com/warp/wallet-ledger/referral"
	"github.com/warp/wallet-ledger/settings"
	"github.com/warp/wallet-ledger/store/memory"
	"github.com/warp/wallet-ledger/store/postgres"
	"github.com/warp/wallet-ledger/store/sqlite"
)

// backend is implemented by every store package.
type backend interface {
	ledger.TxStore
	referral.Store
	settings.KV
}

func main() {
	// Flags
	configFile := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.DBDriver = config.DriverSQLite
		cfg.SQLitePath = *dbPath
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.DBDriver))

	// Redis (optional)
	var (
		publisher  events.Publisher = events.Nop{}
		settingsKV settings.KV      = store
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		publisher = events.NewRedisPublisher(rdb)
		if cfg.RedisSettings {
			settingsKV = settings.NewRedisKV(rdb)
		}
		logger.Info("redis connected", zap.String("addr", cfg.RedisAddr), zap.Bool("settings", cfg.RedisSettings))
	}

	program := settings.NewKVStore(settingsKV, settings.Program{
		Active:         cfg.ReferralActiveDefault,
		RewardAmount:   cfg.ReferralReward(),
		RewardCurrency: cfg.ReferralCurrency(),
	})

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Domain services
	wallet := ledger.New(store, ledger.Options{
		Logger:               logger,
		Publisher:            publisher,
		Metrics:              m,
		CreditValidityMonths: cfg.CreditValidityMonths,
		StorageTimeout:       cfg.StorageTimeout,
	})
	engine := referral.NewEngine(store, wallet, program, referral.Options{
		Config: referral.Config{
			SettlementDelay:    cfg.SettlementDelay,
			BatchSize:          cfg.SettlementBatchSize,
			ClaimLease:         cfg.SettlementClaimLease,
			MaxAttempts:        cfg.SettlementMaxAttempts,
			ReconcileBatchSize: cfg.ReconcileBatchSize,
			StorageTimeout:     cfg.StorageTimeout,
		},
		Logger:    logger,
		Publisher: publisher,
		Metrics:   m,
	})

	// Background jobs
	scheduler := api.NewScheduler(engine, logger)
	scheduler.SettlementInterval = cfg.SettlementInterval
	scheduler.ReconcileInterval = cfg.ReconcileInterval
	scheduler.Start()
	defer scheduler.Stop()

	consumerDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		consumer := events.NewActivityConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup,
			func(ctx context.Context, msg events.ActivityCompleted) error {
				_, err := engine.NotifyActivityCompleted(ctx, ledger.UserID(msg.UserID), msg.ActivityID, msg.CompletedAt)
				if ledger.IsClientError(err) {
					// Retrying cannot fix a bad message.
					logger.Warn("rejected activity message", zap.String("activity_id", msg.ActivityID), zap.Error(err))
					return nil
				}
				return err
			}, logger)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				logger.Error("activity consumer stopped", zap.Error(err))
			}
			consumer.Close()
		}()
		logger.Info("kafka consumer started", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		close(consumerDone)
	}

	// HTTP
	handler := api.NewHandler(wallet, engine, program, logger)
	router := api.NewRouter(handler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down")
	<-consumerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN, cfg.PostgresMax)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case config.DriverMemory:
		return memory.New(), func() {}, nil

	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, err
			}
		}
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}
