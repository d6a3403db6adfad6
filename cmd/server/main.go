package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/mediation-hub/mediation-hub/internal/api/http"
	"github.com/mediation-hub/mediation-hub/internal/application/directory"
	appDispute "github.com/mediation-hub/mediation-hub/internal/application/dispute"
	appNotification "github.com/mediation-hub/mediation-hub/internal/application/notification"
	"github.com/mediation-hub/mediation-hub/internal/config"
	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
	"github.com/mediation-hub/mediation-hub/internal/domain/party"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/kafka"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/memory"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/postgres"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/redis"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/registry"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/sqlite"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/sse"
	"github.com/mediation-hub/mediation-hub/internal/migrations"
)

// store is what the service and the relay need from a backend.
type store interface {
	dispute.Repository
	notification.Outbox
}

// partyDirectory is a registry that can also answer staff lookups.
type partyDirectory interface {
	party.Registry
	httpapi.StaffChecker
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo    store
		reg     partyDirectory
		closers []func()
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	switch cfg.StoreDriver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		closers = append(closers, pool.Close)

		var fsys fs.FS = migrations.FS
		if cfg.MigrationsDir != "" {
			fsys = os.DirFS(cfg.MigrationsDir)
		}
		if err := postgres.RunMigrations(ctx, pool, fsys); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}

		parties := postgres.NewPartyRegistry(pool)
		for _, id := range cfg.MediatorIDs {
			if err := parties.AddMediator(ctx, id); err != nil {
				logger.Fatal().Err(err).Str("actor_id", id).Msg("seed mediator")
			}
		}
		repo = postgres.NewDisputeStore(pool)
		reg = parties
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open error")
		}
		closers = append(closers, func() { _ = s.Close() })
		repo = s
		reg = registry.NewLocal(s, cfg.MediatorIDs)
	default:
		s := memory.NewStore()
		repo = s
		reg = registry.NewLocal(s, cfg.MediatorIDs)
	}

	var parties party.Registry = reg
	if cfg.RedisURL != "" {
		client, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis error")
		}
		closers = append(closers, func() { _ = client.Close() })
		parties = redis.NewLabelCache(reg, client, cfg.LabelCacheTTL, logger)
	}

	dir := directory.New(parties, cfg.RegistryTimeout, logger)
	disputeSvc := appDispute.NewService(repo, parties, dir, appDispute.Options{
		RegistryTimeout: cfg.RegistryTimeout,
		StoreTimeout:    cfg.StoreTimeout,
		MaxAttempts:     cfg.OutboxMaxAttempts,
	}, logger)
	if cfg.RebuildOnStart {
		if err := disputeSvc.RebuildDirectory(ctx); err != nil {
			logger.Fatal().Err(err).Msg("directory rebuild failed")
		}
	}

	// gateways
	sseHub := sse.NewHub()
	defer sseHub.Stop()
	gateways := map[string]notification.Gateway{
		"log": appNotification.NewLogGateway(logger),
		"sse": sse.NewGateway(sseHub),
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka error")
		}
		closers = append(closers, func() { _ = pub.Close() })
		gateways["kafka"] = pub
	}
	routes, err := appNotification.ParseRoutes(cfg.NotifyRoutes, gateways)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid NOTIFY_ROUTES")
	}
	relay, err := appNotification.NewRelay(repo, routes, appNotification.Options{NotifyTimeout: cfg.NotifyTimeout}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay error")
	}
	go relay.Run(ctx, cfg.RelayInterval, cfg.RelayBatch)

	apiServer := httpapi.NewServer(disputeSvc, reg, sseHub, cfg.JWTSecret, logger)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.StoreDriver).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	logger.Info().Msg("server stopped")
}
