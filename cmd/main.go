/**
 * @description
 * Entry point for the back-office service. It wires the payment engine, the fee
 * catalogue, the IoT device registry and the device authentication workflow behind
 * the HTTP API, and starts the background cleanup scheduler.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - pgxpool for the database, amqp091/nats for device delivery, go-redis for rate limiting.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/backoffice-service/internal/api"
	"github.com/transfa/backoffice-service/internal/app"
	"github.com/transfa/backoffice-service/internal/config"
	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/metrics"
	"github.com/transfa/backoffice-service/internal/store"
	"github.com/transfa/backoffice-service/pkg/natsbus"
	"github.com/transfa/backoffice-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var repository store.Repository
	var dbpool *pgxpool.Pool
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		repository = store.NewMemoryRepository()
	} else {
		pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Error("unable to parse database URL", "error", err)
			os.Exit(1)
		}
		pgConfig.MaxConns = 50
		pgConfig.MinConns = 5
		pgConfig.MaxConnLifetime = 30 * time.Minute
		pgConfig.MaxConnIdleTime = 5 * time.Minute
		pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err = pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			logger.Error("unable to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbpool.Close()
		logger.Info("database connection established")
		repository = store.NewPostgresRepository(dbpool)
	}

	metrics.Init(dbpool, logger)

	// Payment events tolerate a missing broker; device delivery must not.
	var producer rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		if p, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			producer = p
			defer p.Close()
			logger.Info("rabbitmq producer connected")
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}
	var eventPublisher app.EventPublisher = &rabbitmq.EventProducerFallback{}
	var devicePublisher app.MessagePublisher = rabbitmq.NewTopicPublisher(&rabbitmq.EventProducerFallback{Strict: true}, cfg.AuthExchange)
	if producer != nil {
		eventPublisher = producer
		devicePublisher = rabbitmq.NewTopicPublisher(producer, cfg.AuthExchange)
	}

	var bus *natsbus.Bus
	if cfg.DeviceTransport == config.TransportNATS {
		if cfg.NATSURL == "" {
			logger.Warn("DEVICE_TRANSPORT is nats but NATS_URL is empty, devices cannot be reached")
		} else if b, err := natsbus.Connect(cfg.NATSURL); err == nil {
			bus = b
			defer bus.Close()
			devicePublisher = bus
			logger.Info("nats connected for device transport", "url", cfg.NATSURL)
		} else {
			logger.Warn("failed to connect to NATS, devices cannot be reached", "error", err)
		}
	}

	var limiter app.RateLimiter
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; code validation rate limiting disabled", "env", "REDIS_URL")
	} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		logger.Warn("redis url parse failed; code validation rate limiting disabled", "error", parseErr)
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			logger.Warn("redis ping failed; code validation rate limiting disabled", "error", pingErr)
			redisClient.Close()
		} else {
			defer redisClient.Close()
			limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
			logger.Info("redis connected")
		}
	}

	clock := app.SystemClock{}
	engine := app.NewPaymentEngine(app.EngineOptions{
		ExpiredBillMarker:  cfg.ExpiredBillMarker,
		RejectInactiveFees: cfg.RejectInactiveFees,
	}, clock)
	paymentService := app.NewPaymentService(repository, engine, eventPublisher, cfg.EventsExchange, logger)
	feeService := app.NewFeeService(repository, clock, logger)
	deviceService := app.NewDeviceService(repository, clock, logger)
	codes := app.NewAuthCodeStore(repository, clock, nil)
	authenticator := app.NewDeviceAuthenticator(repository, codes, devicePublisher, limiter, clock, logger, app.DeviceAuthOptions{
		DispatchTimeout:             cfg.DispatchTimeout(),
		ValidationAttemptsPerMinute: cfg.CodeValidationAttemptsPerMinute,
	})

	// Devices may answer a challenge by echoing the code back.
	switch {
	case bus != nil:
		if _, err := bus.Subscribe(domain.DeviceResponsePattern, authenticator.HandleDeviceResponse); err != nil {
			logger.Warn("failed to subscribe to device responses", "error", err)
		}
	case producer != nil:
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("failed to create device response consumer", "error", err)
			break
		}
		defer consumer.Close()
		bindings := map[string]rabbitmq.Handler{
			domain.DeviceResponsePattern: authenticator.HandleDeviceResponse,
		}
		if err := consumer.ConsumeWithBindings(cfg.AuthExchange, cfg.DeviceResponseQueue, bindings); err != nil {
			logger.Warn("failed to consume device responses", "queue", cfg.DeviceResponseQueue, "error", err)
		}
	}

	scheduler := app.NewScheduler(app.NewJobs(codes, logger, cfg), logger, cfg)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(paymentService, feeService, deviceService, authenticator, logger)
	router := api.NewRouter(handler, api.ClerkAuthMiddleware(cfg.ClerkJWKSURL), cfg.InternalAPIKey)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop in time")
	}

	logger.Info("server stopped")
}
