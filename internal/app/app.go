// Package app wires the simulator components into a runnable graph.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voltfleet/internal/config"
	"voltfleet/internal/control"
	"voltfleet/internal/csms"
	"voltfleet/internal/faults"
	"voltfleet/internal/httpserver"
	"voltfleet/internal/livestate"
	"voltfleet/internal/manager"
	"voltfleet/internal/pricefeed"
	"voltfleet/internal/scenario"
	"voltfleet/internal/storage"
	"voltfleet/libs/db"
	libredis "voltfleet/libs/redis"
)

// App is the assembled simulator.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store       storage.Store
	redisClient *redis.Client

	backend *csms.Backend
	fleet   *manager.Manager
	faults  *faults.Injector

	ocppServer    *httpserver.Server
	controlServer *httpserver.Server
	publisher     *livestate.Publisher
	feed          *pricefeed.Feed
	script        *scenario.Script
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if cfg.Database.DSN != "" {
		sqlDB, err := db.NewPostgresDB(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: postgres: %w", err)
		}
		store, err := storage.NewPostgres(context.Background(), sqlDB)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("app: storage schema: %w", err)
		}
		a.store = store
		logger.Info("transaction store: postgres")
	} else {
		a.store = storage.NewMemory(0)
		logger.Info("transaction store: memory")
	}

	a.backend = csms.NewBackend(csms.Config{
		HeartbeatInterval: cfg.CSMS.HeartbeatInterval,
		CallTimeout:       cfg.CSMS.CallTimeout,
		AllowReplace:      cfg.CSMS.AllowReplace,
		BlockedIDTags:     cfg.CSMS.BlockedIDTags,
	}, a.store, logger)

	a.fleet = manager.New(cfg.OCPPClientURL(), cfg.Fleet.VoltageV, cfg.Fleet.InitialPrice, logger)
	a.fleet.SetStationPrefix(cfg.Fleet.StationPrefix)
	a.faults = faults.NewInjector(cfg.OCPPClientURL(), a.backend, a.fleet, logger)

	api := control.New(control.Config{
		APIKey:     cfg.Auth.APIKey,
		APIKeyHash: cfg.Auth.APIKeyHash,
		JWTSecret:  cfg.Auth.JWTSecret,
		TokenTTL:   cfg.Auth.TokenTTL,
		RateLimit:  cfg.Auth.RateLimit,
	}, control.Deps{
		Fleet:   a.fleet,
		Backend: a.backend,
		Store:   a.store,
		Faults:  a.faults,
		Logger:  logger,
	})

	a.ocppServer = httpserver.New("ocpp", cfg.OCPPAddress(), a.backend.Handler(), logger)
	a.controlServer = httpserver.New("control", cfg.ControlAddress(), api.Router(), logger)

	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		a.redisClient = client
		a.publisher = livestate.NewPublisher(client, a.fleet, cfg.Redis.Interval, cfg.Redis.TTL, logger)
	}

	if cfg.MQTT.Broker != "" {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "voltfleet-pricefeed"
		}
		a.feed = pricefeed.New(cfg.MQTT.Broker, clientID, cfg.MQTT.Topic, a.fleet, logger)
	}

	if cfg.ScenarioFile != "" {
		script, err := scenario.Load(cfg.ScenarioFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.script = script
	}

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.ocppServer.Run(ctx) })
	g.Go(func() error { return a.controlServer.Run(ctx) })

	if a.publisher != nil {
		g.Go(func() error { return a.publisher.Run(ctx) })
	}
	if a.feed != nil {
		if err := a.feed.Connect(); err != nil {
			a.logger.Warn("price feed unavailable", zap.Error(err))
		}
	}

	if a.cfg.Fleet.InitialCount > 0 {
		g.Go(func() error {
			ids, err := a.fleet.Scale(ctx, a.cfg.Fleet.InitialCount, a.cfg.Fleet.DefaultProfile)
			if err != nil {
				return err
			}
			a.logger.Info("initial fleet started", zap.Int("stations", len(ids)))
			return nil
		})
	}
	if a.script != nil {
		runner := scenario.NewRunner(a.script, a.fleet, a.backend, a.logger)
		g.Go(func() error { return runner.Run(ctx) })
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.fleet.Shutdown(shutdownCtx)
	return err
}

// Close releases resources.
func (a *App) Close() {
	if a.feed != nil {
		a.feed.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
}
