package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomchat-api/internal/config"
	"github.com/noah-isme/roomchat-api/internal/database"
	"github.com/noah-isme/roomchat-api/internal/handler"
	"github.com/noah-isme/roomchat-api/internal/middleware"
	"github.com/noah-isme/roomchat-api/internal/observability"
	"github.com/noah-isme/roomchat-api/internal/presence"
	"github.com/noah-isme/roomchat-api/internal/relay"
	"github.com/noah-isme/roomchat-api/internal/repository"
	"github.com/noah-isme/roomchat-api/internal/router"
	"github.com/noah-isme/roomchat-api/internal/service"
	"github.com/noah-isme/roomchat-api/internal/stream"
	"github.com/noah-isme/roomchat-api/internal/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()

	observability.RegisterMetrics()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectDirectory(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to directory database: %v", err)
	}
	if cfg.DirectoryAutoMigrate {
		if err := db.AutoMigrate(repository.DirectoryTables()...); err != nil {
			log.Fatalf("failed to migrate directory tables: %v", err)
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	partitions, err := tenant.NewRouter(tenant.Options{
		Root:        cfg.StorageRoot,
		PoolSize:    cfg.PartitionPool,
		BusyTimeout: cfg.BusyTimeout,
		MaxConns:    cfg.PartitionConns,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to create partition router: %v", err)
	}

	relayOpts := relay.Options{
		Capacity:  cfg.RelayCapacity,
		Retention: cfg.RelayRetention,
		Logger:    logger,
		Prefix:    cfg.KeyPrefix,
	}
	presenceOpts := presence.Options{
		TypingTTL:   cfg.TypingTTL,
		RegistryTTL: cfg.RegistryTTL,
		Logger:      logger,
		Prefix:      cfg.KeyPrefix,
	}

	var (
		broadcast relay.Relay
		natsConn  *nats.Conn
		typing    presence.Tracker
		registry  presence.Registry
	)

	switch cfg.RelayBackend {
	case config.RelayBackendRedis:
		broadcast = relay.NewRedis(redisClient, relayOpts)
	default:
		broadcast = relay.NewMemory(relayOpts)
		if cfg.NATSURL != "" {
			natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
			if err != nil {
				log.Fatalf("failed to connect to nats: %v", err)
			}
			bridge := relay.NewNATSBridge(broadcast, natsConn, cfg.KeyPrefix, logger)
			if err := bridge.Start(rootCtx); err != nil {
				log.Fatalf("failed to start relay bridge: %v", err)
			}
			broadcast = bridge
		}
	}

	if redisClient != nil {
		typing = presence.NewRedisTracker(redisClient, presenceOpts)
		registry = presence.NewRedisRegistry(redisClient, presenceOpts)
	} else {
		typing = presence.NewMemoryTracker(presenceOpts)
		registry = presence.NewMemoryRegistry(presenceOpts)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	chatService, err := service.NewChatService(service.ChatDependencies{
		Directory: repository.NewDirectoryRepository(db),
		Router:    partitions,
		Relay:     broadcast,
		Typing:    typing,
		Registry:  registry,
		Validator: validate,
		Retry: repository.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			MaxInterval: cfg.RetryMaxInterval,
		},
		Stream: stream.Config{
			Tick:           cfg.StreamTick,
			ErrorBackoff:   cfg.StreamBackoff,
			HeartbeatEvery: cfg.HeartbeatEvery,
			AuthorizeEvery: cfg.AuthorizeEvery,
			Retry:          cfg.StreamRetry,
			Logger:         logger,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to create chat service: %v", err)
	}

	chatHandler := handler.NewChatHandler(rootCtx, chatService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:   chatHandler,
		Partitions:    chatService,
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stream sessions derive from rootCtx and are already winding down.
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			logger.Warn().Err(err).Msg("nats drain failed")
		}
	}
	if err := partitions.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing partitions failed")
	}

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Time("stopped_at", time.Now().UTC()).Msg("server stopped")
}
