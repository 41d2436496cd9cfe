package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/walletops/internal/api"
	"github.com/punchamoorthee/walletops/internal/config"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/idempotency"
	"github.com/punchamoorthee/walletops/internal/logger"
	"github.com/punchamoorthee/walletops/internal/notify"
	"github.com/punchamoorthee/walletops/internal/service"
	"github.com/punchamoorthee/walletops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = appLogger.Sync() }()
	appLogger.Info("Ledger service starting...",
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("idempotency_backend", cfg.IdempotencyBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pgStore *store.Store
	if cfg.NeedsDatabase() {
		if err := runMigrations(cfg, appLogger); err != nil {
			appLogger.Fatal("Failed to run database migrations", zap.Error(err))
		}
		pgStore, err = store.NewStore(ctx, cfg.DBSource)
		if err != nil {
			appLogger.Fatal("Unable to connect to database", zap.Error(err))
		}
		defer pgStore.Close()
		appLogger.Info("Connected to PostgreSQL")
	}

	var ledger store.Ledger
	if cfg.StorageBackend == config.BackendMemory {
		ledger = store.NewMemory()
	} else {
		ledger = pgStore
	}

	var repo idempotency.Repository
	switch cfg.IdempotencyBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			appLogger.Fatal("Unable to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer client.Close()
		repo = idempotency.NewRedisRepository(client)
	case config.BackendMemory:
		repo = idempotency.NewMemoryRepository()
	default:
		repo = idempotency.NewPostgresRepository(pgStore.Db)
	}
	guard := idempotency.NewGuard(repo, cfg.IdempotencyTTL)

	var publisher notify.Publisher
	notifyLogger := appLogger.With(zap.String("component", "notify"))
	if brokers := cfg.GetKafkaBrokers(); len(brokers) > 0 {
		kafkaPublisher := notify.NewKafkaPublisher(brokers, cfg.KafkaTransfersTopic, cfg.KafkaAlertsTopic, notifyLogger)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				appLogger.Error("Error closing Kafka publisher", zap.Error(err))
			}
		}()
		publisher = kafkaPublisher
	} else {
		publisher = notify.NewLogPublisher(notifyLogger)
	}
	dispatcher := notify.NewAsyncDispatcher(publisher, cfg.NotifyQueueSize, 5*time.Second, notifyLogger)
	defer dispatcher.Close()

	opts := service.DefaultOptions()
	opts.MaxConflictRetries = cfg.MaxConflictRetries
	opts.RetryBaseDelay = cfg.RetryBaseDelay
	opts.RetryMaxDelay = cfg.RetryMaxDelay
	opts.StorageTimeout = cfg.StorageTimeout

	transfers := service.NewTransferService(ledger, guard, dispatcher, opts, appLogger.With(zap.String("component", "transfers")))
	sweeper := service.NewSweeper(ledger, guard, dispatcher, cfg.StalePendingAfter, appLogger.With(zap.String("component", "sweeper")))
	go sweeper.Run(ctx, cfg.SweepInterval)

	handler := api.NewHandler(ledger, transfers, domain.Amount(cfg.DefaultBalance), appLogger.With(zap.String("component", "http")))

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	secured := r.NewRoute().Subrouter()
	secured.Use(api.APIKeyAuth(cfg.APIKeyHashes))
	handler.Register(secured)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		appLogger.Info("Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	appLogger.Info("Server exited")
}

func runMigrations(cfg *config.Config, log *zap.Logger) error {
	path, err := filepath.Abs(cfg.MigrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.New("file://"+filepath.ToSlash(path), cfg.DBSource)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Info("Database migrations completed")
	return nil
}
