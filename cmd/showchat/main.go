package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/treepeck/showchat/internal/auth"
	"github.com/treepeck/showchat/internal/catalog"
	"github.com/treepeck/showchat/internal/chat"
	"github.com/treepeck/showchat/internal/config"
	"github.com/treepeck/showchat/internal/httpserver"
	"github.com/treepeck/showchat/internal/logger"
	"github.com/treepeck/showchat/internal/mq"
	"github.com/treepeck/showchat/internal/observability"
	"github.com/treepeck/showchat/internal/presence"
	"github.com/treepeck/showchat/internal/storage"
	"github.com/treepeck/showchat/internal/store"
	"github.com/treepeck/showchat/internal/subscription"
	"github.com/treepeck/showchat/internal/ws"
)

// Application holds the main application components.
type Application struct {
	httpServer *httpserver.HTTPServer
	wsServer   *ws.Server
	scheduler  *catalog.Scheduler
	log        zerolog.Logger
}

// Start runs the application until the context is cancelled.
func (a *Application) Start(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}

	err := a.httpServer.Run(ctx)

	// Hijacked connections survive the HTTP shutdown.  Closing them ends
	// their subscriptions, which records every leave.
	a.wsServer.Close()
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	return err
}

// bus is satisfied by both the local manager and the RabbitMQ bus.
type bus interface {
	presence.Bus
	chat.Bus
}

// verifier is satisfied by both token verifiers.
type verifier interface {
	presence.Verifier
	chat.Verifier
}

func main() {
	config.LoadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	var tokens verifier
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.JWTIssuer, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize token verifier")
		}
		defer v.Close()
		tokens = v
	} else {
		tokens = auth.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	}

	manager := subscription.NewManager(subscription.DefaultTriggers(), log)

	// Without a broker, events are dispatched in-process.
	var events bus = manager
	if cfg.RabbitMQURL != "" {
		d, err := mq.NewDialer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer d.Release()

		pubCh, err := mq.OpenChannel(d.Connection)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open publish channel")
		}
		if err := mq.DeclareExchange(pubCh, cfg.RabbitMQExchange); err != nil {
			log.Fatal().Err(err).Msg("failed to declare exchange")
		}
		events = mq.NewBus(pubCh, cfg.RabbitMQExchange)

		subCh, err := d.Connection.Channel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open consume channel")
		}
		relay := mq.NewRelay(subCh, cfg.RabbitMQExchange,
			[]string{subscription.TopicRoomPresenceChanged, subscription.TopicMessageAdded},
			manager, log)

		done := make(chan struct{})
		defer close(done)
		go func() {
			if err := relay.Run(done); err != nil {
				log.Error().Err(err).Msg("relay stopped")
				stop()
			}
		}()
	}

	var records presence.Store = presence.NewMemoryStore()
	if cfg.RedisURL != "" {
		r, err := store.Connect(ctx, cfg.RedisURL, cfg.PresenceKeyPrefix, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer r.Close()
		records = r
	} else {
		log.Warn().Msg("REDIS_URL is not set, presence is kept in memory")
	}

	var (
		resolver  presence.Resolver
		cat       httpserver.Catalog
		scheduler *catalog.Scheduler
	)
	if cfg.DatabaseURL != "" {
		db, err := storage.Open(storage.Config{DSN: cfg.DatabaseURL})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer storage.Close(db)

		if err := storage.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		resolver = storage.NewDirectory(db)

		if cfg.CatalogEnabled() {
			refresher := catalog.NewRefresher(
				storage.NewCatalogRepository(db),
				catalog.NewTraktClient(cfg.TraktURL, cfg.TraktAPIKey),
				catalog.NewFanartClient(cfg.FanartURL, cfg.FanartAPIKey),
				log,
				catalog.WithTTL(cfg.CatalogTTL),
				catalog.WithTrendingLimit(cfg.CatalogTrendingLimit),
			)
			cat = refresher
			scheduler = catalog.NewScheduler(refresher, cfg.CatalogRefreshInterval, log)
		}
	}

	gateway := presence.NewGateway(manager, tokens, events, log,
		presence.WithRetry(cfg.StoreRetries, 100*time.Millisecond),
		presence.WithTimeout(cfg.PresenceTimeout),
	)
	gateway.Route(presence.OperationRoomPresence, presence.DefaultChannel(records, resolver))

	wsServer := ws.NewServer(gateway, chat.NewService(tokens, events, log), cfg.AllowedOrigins, log)

	app := &Application{
		httpServer: httpserver.New(cfg, log, wsServer, cat, httpserver.Stats{
			Sessions: gateway.Sessions,
			Clients:  wsServer.Len,
		}),
		wsServer:  wsServer,
		scheduler: scheduler,
		log:       log,
	}

	log.Info().
		Str("service", cfg.ServiceName).
		Int("port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Msg("starting application")

	if err := app.Start(ctx); err != nil {
		log.Error().Err(err).Msg("application stopped with error")
		return
	}

	log.Info().Msg("application exited cleanly")
}
