/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the booking engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.yaml, environment, then flags)
  2. Build the zap logger
  3. Open the store (SQLite or in-memory)
  4. Choose the mentor lock (in-process or Redis)
  5. Wire ledger, orchestrator, handlers and router
  6. Optionally seed a demo scenario
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (overrides APP_PORT)
  -db         SQLite database path, ":memory:", or "memory" (overrides DB_PATH)
  -scenario   Demo scenario to load at startup (overrides SEED_SCENARIO)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close store and Redis connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/booking.db"

  # Run in memory with demo data
  ./server -db=memory -scenario=mentor-monday

  # Several instances sharing one database
  LOCK_BACKEND=redis REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - config/config.go: Environment keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
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
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/config"
	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/engine/store"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/lock"
	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags
	port := flag.String("port", cfg.AppPort, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, `SQLite database path, ":memory:", or "memory"`)
	scenario := flag.String("scenario", cfg.SeedScenario, "demo scenario to load at startup")
	flag.Parse()
	cfg.AppPort, cfg.DBPath, cfg.SeedScenario = *port, *dbPath, *scenario

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Initialize store
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	// Mentor and ledger locks
	locker, closeLock, err := openLocker(cfg, logger)
	if err != nil {
		return fmt.Errorf("open lock backend: %w", err)
	}
	defer closeLock()

	led := ledger.New(st,
		ledger.WithLocker(locker),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithRetryAttempts(cfg.RetryAttempts))
	orch := booking.New(st, led,
		booking.WithLocker(locker),
		booking.WithLogger(logger.Named("booking")),
		booking.WithRetryAttempts(cfg.RetryAttempts))

	handler := api.NewHandler(st, orch, led, logger.Named("api"), nil)
	if cfg.SeedScenario != "" {
		if err := handler.Seed(context.Background(), cfg.SeedScenario); err != nil {
			return fmt.Errorf("seed scenario: %w", err)
		}
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:  cfg.Origins(),
		RateLimitPerMin: cfg.RateLimitPerMin,
		Scenarios:       !cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.AppPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.DBPath),
			zap.String("lock_backend", cfg.LockBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.Config) (engine.Store, func(), error) {
	if cfg.UsesMemoryStore() {
		return store.NewMemory(), func() {}, nil
	}
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}

// openLocker returns the in-process keyed lock, or a Redis lock shared by
// every instance when LOCK_BACKEND=redis.
func openLocker(cfg config.Config, logger *zap.Logger) (lock.Locker, func(), error) {
	if cfg.LockBackend != config.LockRedis {
		return lock.NewKeyed(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rl := lock.NewRedis(client, cfg.LockTTL, logger.Named("lock"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rl.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("using redis lock", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.LockTTL))
	return rl, func() { client.Close() }, nil
}
