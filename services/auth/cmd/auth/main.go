package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/smdydx/UserAuthSystem/libs/health"
	"github.com/smdydx/UserAuthSystem/libs/httpmiddleware"
	"github.com/smdydx/UserAuthSystem/libs/kafka"
	"github.com/smdydx/UserAuthSystem/libs/logging"
	"github.com/smdydx/UserAuthSystem/libs/metrics"
	"github.com/smdydx/UserAuthSystem/libs/trace"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/config"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/handlers"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/notify"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/rate"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/security"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/service"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/storage"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	if err := run(cfg, logger); err != nil {
		logger.Error("auth service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	shutdownTracer, err := trace.Init(context.Background(), trace.Options{
		ServiceName: cfg.App.ServiceName,
		Env:         cfg.App.Env,
	})
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)
	authMetrics := service.NewMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		return fmt.Errorf("db connection failed: %w", err)
	}
	defer pool.Close()
	store := storage.New(pool)
	ready.AddCheck("postgres", store.Ping)

	guard, closeLimiters, err := buildGuard(cfg, logger, ready)
	if err != nil {
		return fmt.Errorf("rate limiter init failed: %w", err)
	}
	defer func() {
		_ = closeLimiters()
	}()

	events, err := buildPublisher(cfg, logger, registry)
	if err != nil {
		return fmt.Errorf("kafka init failed: %w", err)
	}
	defer func() {
		_ = events.Close()
	}()

	hasher, err := security.NewHasher(security.Argon2Params(cfg.Argon2), cfg.HashConcurrency)
	if err != nil {
		return fmt.Errorf("hasher init failed: %w", err)
	}

	svc, err := service.NewAuthService(service.Deps{
		Store:    store,
		Hasher:   hasher,
		Guard:    guard,
		Notifier: buildDispatcher(cfg, logger, events),
		Events:   events,
		Topics:   service.Topics{Events: cfg.Kafka.EventsTopic},
		Clock:    clock.WallClock,
		Logger:   logger,
		Metrics:  authMetrics,
	}, service.Settings{
		Issuer:           cfg.JWTIssuer,
		Secret:           []byte(cfg.JWTSecret),
		AccessTTL:        cfg.AccessTokenTTL,
		RefreshTTL:       cfg.RefreshTokenTTL,
		VerificationTTL:  cfg.VerificationTTL,
		RevokeOnReuse:    cfg.RevokeOnReuse,
		LockoutThreshold: cfg.Lockout.Threshold,
		LockoutDuration:  cfg.Lockout.Duration,
		OTPLength:        cfg.OTP.Length,
		OTPTTL:           cfg.OTP.TTL,
		OTPMaxAttempts:   cfg.OTP.MaxAttempts,
		PasswordPolicy:   validation.PasswordPolicy(cfg.Password),
	})
	if err != nil {
		return fmt.Errorf("auth service init failed: %w", err)
	}
	janitor := service.NewJanitor(store, clock.WallClock, logger, authMetrics, cfg.Janitor.Interval, cfg.Janitor.TokenRetention)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	// Probes and metrics above are not throttled.
	throttler := httpmiddleware.NewThrottler(cfg.Throttle.RPS, cfg.Throttle.Burst, cfg.Throttle.IdleTTL)
	router.Use(httpmiddleware.Throttle(throttler))
	handlers.NewAuthHandler(svc, logger).RegisterRoutes(router)

	addr := cfg.App.HTTP.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("auth service starting", "addr", addr)
		ready.SetReady(true)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.SetReady(false)
		logger.Info("shutdown started")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	})
	return g.Wait()
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.URL())
	if err != nil {
		return nil, err
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// buildGuard prefers Redis so counters are shared across replicas. The
// in-process limiter is only acceptable in dev and test.
func buildGuard(cfg *config.Config, logger *slog.Logger, ready *health.Manager) (*rate.Guard, func() error, error) {
	rl := cfg.RateLimit
	memoryGuard := func() *rate.Guard {
		return rate.NewGuard(clock.WallClock, map[rate.Action]rate.Limiter{
			rate.ActionLogin:      rate.NewMemory(rl.LoginLimit, rl.LoginWindow),
			rate.ActionOTPRequest: rate.NewMemory(rl.OTPRequestLimit, rl.OTPWindow),
		})
	}
	noop := func() error { return nil }

	if rl.Redis.Addr == "" {
		if cfg.App.IsLocal() {
			logger.Warn("redis not configured, using in-memory rate limits")
			return memoryGuard(), noop, nil
		}
		return nil, nil, errors.New("rate limiter redis not configured")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rl.Redis.Addr,
		Password: rl.Redis.Password,
		DB:       rl.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if cfg.App.IsLocal() {
			logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
			return memoryGuard(), noop, nil
		}
		return nil, nil, err
	}

	ready.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	guard := rate.NewGuard(clock.WallClock, map[rate.Action]rate.Limiter{
		rate.ActionLogin:      rate.NewRedisLimiter(client, rl.LoginLimit, rl.LoginWindow, rl.Redis.Prefix),
		rate.ActionOTPRequest: rate.NewRedisLimiter(client, rl.OTPRequestLimit, rl.OTPWindow, rl.Redis.Prefix),
	})
	return guard, client.Close, nil
}

// buildPublisher returns a no-op publisher when no brokers are configured.
func buildPublisher(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (kafka.Publisher, error) {
	if !cfg.Kafka.Enabled() {
		logger.Warn("kafka not configured, events are dropped")
		return kafka.NopPublisher{}, nil
	}
	producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		Timeout:  cfg.Kafka.Timeout,
	}, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return nil, err
	}
	return kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DLQTopic, logger), nil
}

func buildDispatcher(cfg *config.Config, logger *slog.Logger, publisher kafka.Publisher) notify.Dispatcher {
	if cfg.Kafka.Enabled() && cfg.Kafka.DeliveryTopic != "" {
		return notify.NewKafkaDispatcher(publisher, cfg.Kafka.DeliveryTopic)
	}
	return notify.LogDispatcher{Logger: logger, ShowBody: cfg.App.Env == "dev"}
}
