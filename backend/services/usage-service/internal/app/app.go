package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libdb "aquatrack/backend/libs/db"
	libredis "aquatrack/backend/libs/redis"
	"aquatrack/backend/services/usage-service/internal/auth"
	"aquatrack/backend/services/usage-service/internal/cards"
	"aquatrack/backend/services/usage-service/internal/config"
	"aquatrack/backend/services/usage-service/internal/devicemsg"
	"aquatrack/backend/services/usage-service/internal/dispatch"
	httpserver "aquatrack/backend/services/usage-service/internal/http"
	"aquatrack/backend/services/usage-service/internal/http/handlers"
	"aquatrack/backend/services/usage-service/internal/http/middleware"
	"aquatrack/backend/services/usage-service/internal/metrics"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
	"aquatrack/backend/services/usage-service/internal/repository/memory"
	"aquatrack/backend/services/usage-service/internal/repository/postgres"
	"aquatrack/backend/services/usage-service/internal/service"
	"aquatrack/backend/services/usage-service/internal/ws"
)

// App wires usage-service dependencies.
type App struct {
	cfg         *config.Config
	store       repository.Store
	redisClient *redis.Client
	hub         *ws.Hub
	server      *httpserver.Server
	logger      *zap.Logger

	sessions *service.SessionManager
	ledger   *service.UsageLedger
	scorer   *service.DailyScorer
	auditor  *service.ConsistencyAuditor
	tokens   *auth.TokenService
	keys     *auth.DeviceKeys
}

// New constructs the application graph. Websocket connections live until ctx is done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, store: store, logger: logger}

	if cfg.RedisEnabled() {
		a.redisClient, err = libredis.NewRedisClient(ctx, libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	a.hub = ws.NewHub(cfg.WebSocket.PingInterval, logger.Named("ws"))
	transports := []dispatch.Transport{{Name: "websocket", Dispatcher: a.hub}}
	if a.redisClient != nil {
		transports = append(transports, dispatch.Transport{
			Name:       "redis",
			Dispatcher: dispatch.NewRedisPublisher(a.redisClient, cfg.Redis.ChannelPrefix),
		})
	}
	dispatcher := dispatch.NewFallback(logger.Named("dispatch"), transports...)

	loc := cfg.ScoringLocation()
	a.ledger = service.NewUsageLedger(store.Ledger(), loc, logger.Named("ledger"))
	a.sessions = service.NewSessionManager(service.SessionDeps{
		Sessions: store.Sessions(),
		Devices:  store.Devices(),
		Audit:    store.Audit(),
		Tokens: cards.NewResolver(store.Cards(), cards.Config{
			CacheSize: cfg.Cards.CacheSize,
			CacheTTL:  cfg.Cards.CacheTTL,
		}),
		Ledger:     a.ledger,
		Dispatcher: dispatcher,
	}, service.SessionConfig{
		DispatchTimeout:       cfg.Sessions.DispatchTimeout,
		BulkChunkSize:         cfg.Sessions.BulkChunkSize,
		BulkConcurrency:       cfg.Sessions.BulkConcurrency,
		MaxSessionDuration:    cfg.Sessions.MaxDuration,
		EstimateRatePerMinute: cfg.Sessions.EstimateRatePerMinute,
	}, logger.Named("sessions"))

	meter := service.NewMeterAccounting(store.Accounts(), logger.Named("meter"))
	a.scorer = service.NewDailyScorer(store.Ledger(), store.Devices(), meter, service.ScorerConfig{
		Baselines: service.Baselines{
			Water:       cfg.Scoring.WaterBaseline,
			Electricity: cfg.Scoring.ElectricityBaseline,
		},
		Location:    loc,
		ChunkSize:   cfg.Scoring.ChunkSize,
		Concurrency: cfg.Scoring.Concurrency,
	}, logger.Named("scoring"))
	a.auditor = service.NewConsistencyAuditor(store.Sessions(), store.Ledger(), store.Audit(), loc, logger.Named("audit"))

	a.tokens = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	a.keys = auth.NewDeviceKeys(store.Devices(), cfg.Auth.DeviceKeyCost)

	var deviceAuth middleware.DeviceAuthenticator = a.keys
	var wsAuth ws.Authenticator = a.keys
	if cfg.Auth.TrustDeviceHeaders {
		logger.Warn("device key checks disabled")
		deviceAuth, wsAuth = nil, nil
	}

	frames := devicemsg.NewRouter()
	frames.Register(devicemsg.TypeMeasurement, devicemsg.NewMeasurementHandler(a.sessions))
	frames.Register(devicemsg.TypeTap, devicemsg.NewTapHandler(a.sessions))
	processor := devicemsg.NewProcessor(frames, store.Devices(), logger.Named("devicemsg"))
	wsServer := ws.NewServer(ctx, a.hub, processor, wsAuth, cfg.WebSocket.WriteTimeout, logger.Named("ws"))

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Sessions:   handlers.NewSessionsHandlers(a.sessions, logger),
		Usage:      handlers.NewUsageHandlers(a.ledger, a.scorer, logger),
		Admin:      handlers.NewAdminHandlers(a.sessions, a.scorer, a.auditor, logger),
		Health:     handlers.NewHealthHandler(a.healthChecks()),
		Metrics:    metrics.Handler(),
		DeviceWS:   wsServer.HandleWS,
		UserAuth:   middleware.AuthMiddleware(a.tokens),
		DeviceAuth: middleware.DeviceMiddleware(deviceAuth, logger),
	})
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, httpserver.Timeouts{
		Read:  cfg.HTTP.ReadTimeout,
		Write: cfg.HTTP.WriteTimeout,
	}, logger)

	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		pool, err := libdb.NewPostgresPool(ctx, cfg.Database.DSN, libdb.PoolOptions{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func (a *App) healthChecks() map[string]handlers.Pinger {
	checks := make(map[string]handlers.Pinger)
	if p, ok := a.store.(handlers.Pinger); ok {
		checks["postgres"] = p
	}
	if a.redisClient != nil {
		checks["redis"] = pingFunc(func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		})
	}
	return checks
}

// Run serves HTTP and runs the background loops until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Start(ctx)
		return nil
	})
	if a.cfg.SweepEnabled() {
		g.Go(func() error {
			a.sessions.RunTimeoutSweeper(ctx, a.cfg.Sessions.SweepInterval)
			return nil
		})
	}
	g.Go(func() error {
		return a.server.Run(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Migrate applies the postgres schema. The memory driver needs none.
func (a *App) Migrate(ctx context.Context) error {
	migrator, ok := a.store.(interface{ Migrate(context.Context) error })
	if !ok {
		a.logger.Info("storage driver has no schema", zap.String("driver", a.cfg.Storage.Driver))
		return nil
	}
	return migrator.Migrate(ctx)
}

// Sessions returns the session manager.
func (a *App) Sessions() *service.SessionManager { return a.sessions }

// Scorer returns the daily scorer.
func (a *App) Scorer() *service.DailyScorer { return a.scorer }

// Auditor returns the consistency auditor.
func (a *App) Auditor() *service.ConsistencyAuditor { return a.auditor }

// Tokens returns the access token service.
func (a *App) Tokens() *auth.TokenService { return a.tokens }

// DeviceKeys returns the device key hasher.
func (a *App) DeviceKeys() *auth.DeviceKeys { return a.keys }

// ErrRedisDisabled is returned by WatchCommands when no redis address is configured.
var ErrRedisDisabled = errors.New("redis is not configured")

// WatchCommands follows the redis command channel of one device and calls fn
// for each command until ctx is done, the way a device gateway receives them.
func (a *App) WatchCommands(ctx context.Context, deviceID string, fn func(models.DeviceCommand)) error {
	if a.redisClient == nil {
		return ErrRedisDisabled
	}
	return dispatch.NewRedisPublisher(a.redisClient, a.cfg.Redis.ChannelPrefix).Listen(ctx, deviceID, fn)
}

// Close releases resources.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
