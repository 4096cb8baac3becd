package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"marketplace_chat/internal/config"
	"marketplace_chat/internal/events"
	"marketplace_chat/internal/handler"
	"marketplace_chat/internal/middleware"
	"marketplace_chat/internal/realtime"
	"marketplace_chat/internal/repository"
	"marketplace_chat/internal/service"
	"marketplace_chat/internal/storage"
	"marketplace_chat/pkg/jwt"
	"marketplace_chat/pkg/logger"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JWT.SecretParam != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsRegion(cfg.Storage.Region))
		if err != nil {
			appLogger.Fatal("Failed to load AWS config", "error", err)
		}
		if err := cfg.ResolveSecrets(ctx, ssm.NewFromConfig(awsCfg)); err != nil {
			appLogger.Fatal("Failed to resolve secrets", "error", err)
		}
	}

	// PostgreSQL
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Invalid database DSN", "error", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Redis backs the rate limiter and the realtime bus unless both run in memory.
	var rdb *redis.Client
	if cfg.Chat.RateLimitBackend == "redis" || cfg.Realtime.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			appLogger.Fatal("Failed to connect to Redis", "error", err)
		}
		appLogger.Info("Redis connection established")
	}

	var limiterClient redis.UniversalClient
	if cfg.Chat.RateLimitBackend == "redis" {
		limiterClient = rdb
	}
	repos := repository.NewRepositories(dbPool, limiterClient, appLogger)

	blobs, err := newBlobStore(ctx, cfg.Storage, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to configure attachment storage", "error", err)
	}

	publisher := newEventPublisher(ctx, cfg.Events, appLogger)
	defer publisher.Close()

	var bus realtime.Bus
	if cfg.Realtime.Backend == "redis" {
		bus = realtime.NewRedisBus(rdb, cfg.Realtime.ChannelPrefix, appLogger)
	} else {
		appLogger.Warn("Realtime bus: memory, events do not reach other instances")
		bus = realtime.NewMemoryBus()
	}

	hub := realtime.NewHub(bus, realtime.HubOptions{
		BufferSize:   cfg.Realtime.BufferSize,
		ReconnectMin: cfg.Realtime.ReconnectMin,
		ReconnectMax: cfg.Realtime.ReconnectMax,
	}, appLogger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	services := service.NewServices(repos, service.Dependencies{
		Blobs:    blobs,
		Realtime: bus,
		Events:   publisher,
	}, cfg, appLogger)

	notifier := realtime.NewNotifier(hub, services.Chat, cfg.Chat.HistoryPageSize, appLogger)
	sessions := realtime.NewSessions()

	checks := map[string]handler.Check{
		"database": dbPool.Ping,
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	handlers := handler.NewHandlers(services, notifier, sessions, checks, hub.Connected, cfg, appLogger)

	tokens := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	authMiddleware := middleware.NewAuthMiddleware(tokens, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.Server.RequestsPerMinute, appLogger)

	router := setupRouter(handlers, authMiddleware, rateLimitMiddleware, cfg, appLogger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}
	sessions.Close()
	stopHub()
	<-hubDone
	hub.Close()

	appLogger.Info("Server exited")
}

func setupRouter(
	handlers *handler.Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))

	handlers.Register(router, authMiddleware.RequireAuth(), rateLimitMiddleware.Limit())

	return router
}

func awsRegion(region string) func(*awsconfig.LoadOptions) error {
	return func(o *awsconfig.LoadOptions) error {
		if region != "" {
			o.Region = region
		}
		return nil
	}
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (storage.BlobStore, error) {
	if cfg.Bucket == "" {
		log.Warn("Attachment storage: memory, files are lost on restart")
		return storage.NewMemoryStore(), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	log.Info("Attachment storage: s3", "bucket", cfg.Bucket)
	return storage.NewS3Store(client, cfg.Bucket)
}

func newEventPublisher(ctx context.Context, cfg config.EventsConfig, log logger.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		log.Warn("Event publishing disabled, AMQP URL not set")
		return events.NewFallback(log)
	}

	conn, err := events.DialWithRetry(ctx, events.DialOptions{URL: cfg.AMQPURL, Attempts: 5, Delay: time.Second}, log)
	if err != nil {
		log.Error("Failed to connect to broker, events will only be logged", "error", err)
		return events.NewFallback(log)
	}
	publisher, err := events.NewAMQPPublisher(conn, cfg.Exchange, log)
	if err != nil {
		_ = conn.Close()
		log.Error("Failed to set up event exchange, events will only be logged", "error", err)
		return events.NewFallback(log)
	}
	return publisher
}
