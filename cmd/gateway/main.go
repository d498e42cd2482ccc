package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/admin"
	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/telemetry"
	"github.com/lalithlochan/courier/internal/worker"
)

const (
	serviceName     = "courier"
	version         = "v1.0.0"
	shutdownTimeout = 15 * time.Second
	poolStatsPeriod = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", version),
		zap.String("queue_backend", cfg.QueueBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	database, err := db.New(ctx, db.Config{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnIdleTime: cfg.DBMaxConnIdle,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if cfg.MigrateOnBoot {
		if err := db.Migrate(ctx, database.Pool(), cfg.MigrationsDir, logger); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	repo := db.NewRepository(database, logger)
	mappings := db.NewMappingRepository(database, logger)
	prefs := db.NewPreferenceRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{URL: cfg.RedisURL, PoolSize: cfg.RedisPoolSize}, logger)
	if err != nil {
		if cfg.QueueBackend == config.QueueBackendRedis {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("redis unavailable, idempotency, rate limiting and in-app delivery disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	q, err := newQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	senders, err := newSenders(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	pipeline := dispatch.NewPipeline(mappings, prefs, repo, q, logger)
	adminSvc := admin.NewService(repo, q, logger)

	handler := api.NewHandler(logger, pipeline, adminSvc, prefs, repo).
		WithDispatchTimeout(cfg.RequestTimeout)

	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger))
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
	}

	router := api.NewRouter(handler, api.RouterConfig{
		Logger:         logger,
		AdminSecret:    cfg.AdminJWTSecret,
		RateLimiter:    rateLimiter,
		RequestTimeout: cfg.RequestTimeout,
		Ready: func(ctx context.Context) error {
			if err := database.Health(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if redisClient != nil {
				if err := redisClient.Ping(ctx); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      otelhttp.NewHandler(router, "courier.http"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	w := worker.New(q, repo, senders, worker.Config{
		Concurrency:   cfg.WorkerConcurrency,
		PollInterval:  cfg.WorkerPollInterval,
		SenderTimeout: cfg.SenderTimeout,
	}, logger)
	reconciler := worker.NewReconciler(repo, q, worker.ReconcilerConfig{
		Interval:   cfg.ReconcileInterval,
		StaleAfter: cfg.ReconcileStaleAfter,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		handler.Wait()
		logger.Info("server stopped gracefully")
		return nil
	})

	g.Go(func() error { return w.Run(gctx) })
	if cfg.ReconcileEnabled() {
		g.Go(func() error { return reconciler.Run(gctx) })
	} else {
		logger.Warn("reconciler disabled: queue backend cannot report queued jobs",
			zap.String("queue_backend", cfg.QueueBackend),
		)
	}
	g.Go(func() error {
		reportPoolStats(gctx, database, redisClient)
		return nil
	})

	return g.Wait()
}

func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(poolStatsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(database.Stats().AcquiredConns()))
			if redisClient != nil {
				metrics.SetRedisConnections(int(redisClient.PoolStats().TotalConns))
			}
		}
	}
}
