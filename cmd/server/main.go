package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/coordinator"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/relay"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready []httpapi.Pinger

	var store storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "err", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx, "migrations")
			if err != nil {
				logger.Error("migration failed", "err", err)
				os.Exit(1)
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, trips are kept in memory only")
		store = storage.NewMemoryStore()
	}
	ready = append(ready, store)

	var index geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		index = rg
		ready = append(ready, rg)
	} else {
		index = geo.NewIndex()
	}

	var backend events.Publisher = events.Nop{}
	switch cfg.EventsBackend {
	case "kafka":
		backend = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTripTopic, cfg.KafkaLocationTopic)
	case "amqp":
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("amqp unavailable", "err", err)
			os.Exit(1)
		}
		backend = ap
	}
	publisher := events.NewAsync(backend, cfg.EventsBackend, 1024, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps, Timeout: 800 * time.Millisecond}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	reg := registry.New()
	trips := trip.NewMachine(cfg.CommissionRate, cfg.TripRetention)
	wsreg := dispatch.NewWSRegistry(logger)

	engine := matcher.NewEngine(reg, trips, wsreg, cfg.OfferTimeout, logger)
	engine.Ranker = &geo.ProximityRanker{Index: index, Limit: cfg.MatcherTopN}
	engine.ETA = estimator

	rel := relay.New(trips, reg, wsreg, logger)
	rel.Index = index
	rel.Publisher = publisher

	coord := coordinator.New(coordinator.Deps{
		Registry: reg,
		Trips:    trips,
		Engine:   engine,
		Relay:    rel,
		Store:    store,
		Events:   publisher,
		Out:      wsreg,
		Logger:   logger,
	}, coordinator.Options{
		ExchangeRate:  cfg.ExchangeRate,
		DefaultPrice:  cfg.DefaultPrice,
		SweepInterval: cfg.SweepInterval,
		RetryAttempts: cfg.PersistRetryAttempts,
		RetryBase:     cfg.PersistRetryBase,
	})
	go coord.Run(ctx)

	api := httpapi.NewServer(httpapi.Deps{
		Coord:    coord,
		Engine:   engine,
		Registry: reg,
		Trips:    trips,
		WSReg:    wsreg,
		Auth:     auth.NewVerifier(cfg.JWTSecret),
		Ready:    ready,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr, "events", cfg.EventsBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	wsreg.CloseAll()
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Error("pending trip writes lost", "err", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("event publisher close", "err", err)
	}
}
