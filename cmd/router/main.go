package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jexi-app/llm-router/internal/gateway/cache"
	"github.com/jexi-app/llm-router/internal/gateway/handlers"
	"github.com/jexi-app/llm-router/internal/gateway/keypool"
	"github.com/jexi-app/llm-router/internal/gateway/providers"
	"github.com/jexi-app/llm-router/internal/gateway/registry"
	"github.com/jexi-app/llm-router/internal/gateway/router"
	"github.com/jexi-app/llm-router/internal/gateway/scheduler"
	"github.com/jexi-app/llm-router/internal/gateway/usage"
	"github.com/jexi-app/llm-router/internal/shared/config"
	"github.com/jexi-app/llm-router/internal/shared/crypto"
	"github.com/jexi-app/llm-router/internal/shared/database"
	"github.com/jexi-app/llm-router/internal/shared/logger"
	"github.com/jexi-app/llm-router/internal/shared/metrics"
	"github.com/jexi-app/llm-router/internal/shared/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("starting llm router", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	if cfg.EncryptionSecret == config.DefaultEncryptionSecret {
		zlog.Warn("ENCRYPTION_SECRET is not set, shared keys use the development secret")
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("llm_router", reg)

	// Database (optional)
	var (
		db       *database.DB
		recorder usage.Recorder = usage.NewMemoryRecorder()
		keyStore handlers.SharedKeyStore
	)
	if cfg.DatabaseURL != "" {
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			zlog.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			zlog.Fatal("failed to migrate database", zap.Error(err))
		}
		recorder = db
		keyStore = db
		zlog.Info("connected to PostgreSQL")
	} else {
		zlog.Info("DATABASE_URL not set, usage is kept in memory and shared keys are not persisted")
	}

	// Redis (optional)
	var (
		redisClient *redis.Client
		rateStore   handlers.RateLimitStore
	)
	cacheOpts := []cache.Option{cache.WithLogger(zlog), cache.WithMetrics(m)}
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			zlog.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
		cacheOpts = append(cacheOpts, cache.WithRedis(redisClient))
		rateStore = redisClient
		zlog.Info("connected to Redis")
	}

	// Routing core
	encryptionKey := crypto.DeriveKey(cfg.EncryptionSecret)
	pool := keypool.New(cfg.StaticKeys(), keypool.WithLogger(zlog))
	responseCache := cache.New(cacheOpts...)
	rt := router.New(pool, registry.New(), providers.DefaultCatalog(cfg), responseCache, recorder,
		router.WithLogger(zlog),
		router.WithMetrics(m),
		router.WithEncryptionKey(encryptionKey),
		router.WithSharedPriority(cfg.SharedPriority),
	)

	if db != nil {
		added, err := rt.LoadSharedKeys(ctx, db)
		if err != nil {
			zlog.Error("failed to load shared keys", zap.Error(err))
		} else {
			zlog.Info("loaded shared keys", zap.Int("count", added))
		}
	}

	for _, p := range rt.ProviderStatus() {
		zlog.Info("provider ready",
			zap.String("provider", p.Name),
			zap.Int("priority", p.Priority),
			zap.Int("keys", p.AvailableKeys))
	}

	// Maintenance jobs
	jobs := scheduler.New(pool, responseCache, scheduler.Config{
		KeyResetSchedule: cfg.KeyResetSchedule,
		CacheSweepEvery:  cfg.CacheSweepInterval,
	}, zlog)
	if err := jobs.Start(ctx); err != nil {
		zlog.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer jobs.Stop()

	adminOpts := []handlers.AdminOption{handlers.WithJobs(jobs)}
	if db != nil {
		adminOpts = append(adminOpts, handlers.WithDependency("postgres", db))
	}
	if redisClient != nil {
		adminOpts = append(adminOpts, handlers.WithDependency("redis", redisClient))
	}

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	handlers.Routes(r,
		handlers.NewChatHandler(rt, cfg.DefaultCacheTTL, zlog),
		handlers.NewAdminHandler(rt, pool, responseCache, keyStore, encryptionKey, zlog, adminOpts...),
		handlers.NewMiddleware(ctx, rateStore, cfg.HTTPRateLimit, zlog),
	)

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		zlog.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	zlog.Info("shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server shutdown error", zap.Error(err))
	}

	zlog.Info("server stopped")
}
