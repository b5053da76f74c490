// Package main is the entrypoint for the autograde API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/ai/providers"
	"github.com/kiranshivaraju/autograde/internal/api"
	mw "github.com/kiranshivaraju/autograde/internal/api/middleware"
	"github.com/kiranshivaraju/autograde/internal/cache"
	"github.com/kiranshivaraju/autograde/internal/collab"
	"github.com/kiranshivaraju/autograde/internal/config"
	"github.com/kiranshivaraju/autograde/internal/evaluation"
	"github.com/kiranshivaraju/autograde/internal/grading"
	"github.com/kiranshivaraju/autograde/internal/queue"
	"github.com/kiranshivaraju/autograde/internal/scheme"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/internal/store/memory"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"store_driver", cfg.Database.Driver,
		"providers", cfg.AI.Providers,
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the store
	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Open the cache and task queue
	c, q, closeCache, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeCache()

	// 4. Create AI providers
	registry, closers, err := providers.NewRegistry(ctx, cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI providers: %w", err)
	}
	defer closeAll(closers)
	slog.Info("AI providers initialized", "providers", registry.Names())

	// 5. Build the grading engine
	var quota collab.QuotaChecker = collab.Unlimited{}
	if cfg.Quota.DailyLimit > 0 {
		quota = collab.NewDailyQuota(c, cfg.Quota.DailyLimit)
	}
	engine := evaluation.NewEngine(st)
	retry := grading.NewRetryPolicy(cfg.Worker.Retry)
	grader := grading.NewGrader(registry, collab.NewFileSource(cfg.Documents.Root), st, engine, grading.GraderConfig{
		Timeout:   cfg.AI.RequestTimeout,
		MaxTokens: cfg.AI.MaxTokens,
		Retry:     retry,
	})
	dispatcher := grading.NewDispatcher(q, c, st, grader, grading.DispatcherConfig{
		Workers:     cfg.Worker.Count,
		ClaimTTL:    cfg.Redis.TaskClaimTTL,
		ReportRetry: retry,
	})
	orchestrator := grading.NewOrchestrator(st, c, dispatcher, registry, quota, grading.OrchestratorConfig{
		SnapshotTTL: cfg.Redis.JobStatusTTL,
	})

	if err := bootstrapAdminKey(ctx, st, cfg.Server.BootstrapAdminKey); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	// 6. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.Server.RateLimitPerMin),
		Grading:   orchestrator,
		Evaluator: engine,
		Schemes:   scheme.NewService(st),
		Keys:      st,
		DB:        st,
		Cache:     c,
	})

	// 7. Start workers and the HTTP server
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		dispatcher.Run(workersCtx, orchestrator)
		close(workersDone)
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "workers", cfg.Worker.Count)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: stop accepting requests, then let in-flight
	// tasks report before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown: %w", err)
	}
	stopWorkers()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		slog.Warn("workers did not stop before shutdown timeout")
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured store driver and applies migrations.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.Driver == config.DriverMemory {
		slog.Warn("using in-memory store, data is lost on restart")
		return memory.New(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// openCache connects Redis when configured. Without a Redis URL the cache
// and the queue live in process and cannot be shared between instances.
func openCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, queue.Queue, func(), error) {
	if cfg.URL == "" {
		slog.Warn("REDIS_URL not set, using in-process cache and queue")
		return cache.NewMemoryCache(), queue.NewMemoryQueue(), func() {}, nil
	}

	redisCache, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		_ = redisCache.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	closeFn := func() {
		if err := redisCache.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
	}
	// A popped task is leased as long as its dedup claim lives.
	return redisCache, queue.NewRedisQueue(redisCache.Client(), cfg.TaskClaimTTL), closeFn, nil
}

// bootstrapAdminKey stores rawKey as an admin key unless it already exists.
func bootstrapAdminKey(ctx context.Context, keys store.APIKeyStore, rawKey string) error {
	if rawKey == "" {
		return nil
	}
	existing, err := keys.GetAPIKeyByPrefix(ctx, rawKey[:min(len(rawKey), 8)])
	if err != nil {
		return err
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil {
			return nil
		}
	}

	key, err := mw.NewAPIKey(rawKey, uuid.New(), "bootstrap admin", []string{models.ScopeGrade, models.ScopeAdmin})
	if err != nil {
		return err
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap admin key created", "key_prefix", key.KeyPrefix, "owner_id", key.OwnerID)
	return nil
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		if err := c.Close(); err != nil {
			slog.Warn("closing provider", "error", err)
		}
	}
}
