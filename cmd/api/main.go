package main

import (
	"context"
	"fmt"
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

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/database"
	"github.com/noah-isme/gema-realtime/internal/handler"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/queue"
	"github.com/noah-isme/gema-realtime/internal/realtime"
	"github.com/noah-isme/gema-realtime/internal/repository"
	"github.com/noah-isme/gema-realtime/internal/router"
	"github.com/noah-isme/gema-realtime/internal/service"
)

// backends bundles the storage and messaging choices made from configuration.
type backends struct {
	presence  repository.PresenceStore
	ledger    repository.MessageLedger
	directory repository.RoomDirectory
	queue     queue.Queue
	deduper   queue.Deduper
	frames    realtime.Bus
	notices   realtime.Bus
	probes    map[string]handler.HealthProbe
	closers   []func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if !cfg.IsProduction() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildBackends(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise backends")
	}
	defer func() {
		for i := len(deps.closers) - 1; i >= 0; i-- {
			deps.closers[i]()
		}
	}()

	validate := validator.New(validator.WithRequiredStructEnabled())

	hub := realtime.NewHub(deps.frames, logger)
	if err := hub.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe hub to the cluster bus")
	}

	roster := service.NewRoomRoster(deps.presence, cfg.RoomCapacity)
	delivery := service.NewDeliveryService(service.DeliveryDependencies{
		Ledger:    deps.ledger,
		Presence:  deps.presence,
		Directory: deps.directory,
		Queue:     deps.queue,
		Deduper:   deps.deduper,
		Transport: hub,
	}, service.DeliveryConfig{
		MaxBodyLength:   cfg.MaxBodyLength,
		PersistAttempts: cfg.PersistAttempts,
		Workers:         cfg.DeliveryWorkers,
	}, validate, logger)
	signaling := service.NewSignalingService(deps.presence, hub, logger)
	notifications := service.NewNotificationService(deps.presence, hub, deps.notices, validate, logger)
	history := service.NewHistoryService(deps.ledger, validate, logger)
	gateway := service.NewGateway(service.GatewayDependencies{
		Presence:  deps.presence,
		Roster:    roster,
		Delivery:  delivery,
		Signaling: signaling,
		Transport: hub,
	}, validate, logger)
	janitor := service.NewPresenceJanitor(deps.presence, gateway, cfg.PresenceSweepInterval, logger)

	delivery.Start(ctx)
	if err := notifications.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to notifications")
	}
	janitor.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		RealtimeHandler:     handler.NewRealtimeHandler(hub, gateway, logger),
		HistoryHandler:      handler.NewHistoryHandler(history, logger),
		NotificationHandler: handler.NewNotificationHandler(notifications, logger),
		HealthProbes:        deps.probes,
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Str("backend", cfg.StorageBackend).Str("node_id", hub.NodeID()).Msg("realtime server listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(ctx, app, deps.queue, logger)
}

func buildBackends(cfg config.Config, logger zerolog.Logger) (*backends, error) {
	deps := &backends{probes: make(map[string]handler.HealthProbe)}

	if cfg.DatabaseURL != "" {
		db, err := database.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
		deps.ledger = repository.NewGormLedger(db)
		deps.directory = repository.NewGormRoomDirectory(db)
		deps.probes["postgres"] = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	} else {
		logger.Warn().Msg("no database url configured, messages live in memory only")
		deps.ledger = repository.NewMemoryLedger()
		deps.directory = repository.NewMemoryRoomDirectory()
	}

	switch cfg.StorageBackend {
	case config.BackendRedis:
		client, err := database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, func() { _ = client.Close() })
		deps.probes["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

		deps.presence = repository.NewRedisPresenceStore(client, cfg.ChannelPrefix, cfg.PresenceTTL, time.Now)
		deps.queue = queue.NewRedisStreamQueue(client, cfg.QueueStream, cfg.QueueGroup, consumerName(), logger)
		deps.deduper = queue.NewRedisDeduper(client, cfg.ChannelPrefix, cfg.DedupeTTL)
		if err := buildBuses(cfg, client, deps, logger); err != nil {
			return nil, err
		}
	default:
		deps.presence = repository.NewMemoryPresenceStore(cfg.PresenceTTL, time.Now)
		deps.queue = queue.NewMemoryQueue(cfg.QueueCapacity, 3, logger)
		deps.deduper = queue.NewMemoryDeduper(cfg.DedupeTTL)
	}

	return deps, nil
}

// buildBuses prefers NATS for cross-node traffic when it is configured and
// falls back to redis pub/sub.
func buildBuses(cfg config.Config, client *redis.Client, deps *backends, logger zerolog.Logger) error {
	if cfg.NATSURL == "" {
		deps.frames = realtime.NewRedisBus(client, cfg.ChannelPrefix+":frames", logger)
		deps.notices = realtime.NewRedisBus(client, cfg.ChannelPrefix+":notifications", logger)
		return nil
	}

	conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		return err
	}
	deps.closers = append(deps.closers, func() { _ = conn.Drain() })
	deps.probes["nats"] = func(context.Context) error {
		if status := conn.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats status %s", status)
		}
		return nil
	}
	deps.frames = realtime.NewNATSBus(conn, cfg.ChannelPrefix+".frames", logger)
	deps.notices = realtime.NewNATSBus(conn, cfg.ChannelPrefix+".notifications", logger)
	return nil
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func waitForShutdown(ctx context.Context, app *fiber.App, jobs queue.Queue, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if jobs != nil {
		_ = jobs.Close()
	}

	logger.Info().Msg("server stopped")
}
