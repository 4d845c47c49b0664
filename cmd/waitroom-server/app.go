package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinic/waitroom/internal/config"
	"github.com/clinic/waitroom/internal/domain/queue"
	"github.com/clinic/waitroom/internal/platform/auth"
	"github.com/clinic/waitroom/internal/platform/db"
	"github.com/clinic/waitroom/internal/platform/durations"
	"github.com/clinic/waitroom/internal/platform/metrics"
	"github.com/clinic/waitroom/internal/platform/middleware"
	"github.com/clinic/waitroom/internal/platform/notify"
	"github.com/clinic/waitroom/internal/platform/websocket"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

// durationStore is a durations.Store whose cold-start default follows the
// live configuration.
type durationStore interface {
	durations.Store
	SetDefault(minutes float64)
}

// app owns every long-lived component of one server process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool      *pgxpool.Pool
	redis     *redis.Client
	durations durationStore
	notifier  *notify.Notifier
	hub       *websocket.Hub
	svc       *queue.Service
	worker    *queue.Worker
	echo      *echo.Echo

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var store queue.Store
	switch cfg.StoreBackend {
	case config.StorePostgres:
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
		logger.Info().Msg("connected to database")
		store = queue.NewStorePG(a.pool)
	default:
		logger.Warn().Msg("using in-memory queue store; state is lost on restart")
		store = queue.NewMemoryStore()
	}

	durCfg := durations.Config{Alpha: cfg.EWMAAlpha, DefaultMinutes: cfg.DefaultServiceMinutes}
	var journal notify.Journal
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", perr)
		}
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.redis.Close)
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Msg("connected to redis")
		a.durations = durations.NewRedisStore(a.redis, durCfg)
		journal = notify.NewRedisJournal(a.redis, cfg.NotifyJournalSize)
	} else {
		a.durations = durations.NewMemoryStore(durCfg)
		journal = notify.NewMemoryJournal(cfg.NotifyJournalSize)
	}

	a.notifier = notify.New(journal, notify.Config{
		Buffer:     cfg.NotifyBuffer,
		MaxElapsed: cfg.NotifyMaxElapsed,
	}, logger)

	a.hub = websocket.NewHub(logger)
	a.hub.SetReplayer(notify.HubReplayer(a.notifier))
	a.notifier.Subscribe(notify.NewHubSink(a.hub))

	if len(cfg.KafkaBrokers) > 0 {
		producer, perr := notify.NewKafkaProducer(cfg.KafkaBrokers)
		if perr != nil {
			return nil, perr
		}
		sink := notify.NewKafkaSink(producer, cfg.KafkaTopic)
		a.closers = append(a.closers, sink.Close)
		a.notifier.Subscribe(sink)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka delta sink enabled")
	}
	if cfg.PubNubPublishKey != "" {
		pn := notify.NewPubNub(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey)
		a.notifier.Subscribe(notify.NewPubNubSink(pn, cfg.PubNubChannel))
		logger.Info().Str("channel", cfg.PubNubChannel).Msg("pubnub board sink enabled")
	}

	a.svc = queue.NewService(store, a.durations, a.notifier, queue.ServiceConfig{
		Policy:      policyFromConfig(cfg),
		MaxRetries:  cfg.CASMaxRetries,
		BaseBackoff: cfg.CASBaseBackoff,
	}, logger)
	a.worker = queue.NewWorker(a.svc, cfg.SweepInterval, cfg.RerankInterval, logger)
	a.echo = a.routes()
	return a, nil
}

func policyFromConfig(cfg *config.Config) queue.Policy {
	return queue.Policy{
		Capacity:              cfg.ConcurrentCapacity,
		DefaultServiceMinutes: cfg.DefaultServiceMinutes,
		GracePeriod:           cfg.GracePeriod,
	}
}

// applyConfig installs the reloadable queue policy. Connection settings need
// a restart.
func (a *app) applyConfig(cfg *config.Config) {
	p := policyFromConfig(cfg)
	a.svc.SetPolicy(p)
	a.durations.SetDefault(cfg.DefaultServiceMinutes)
	a.logger.Info().
		Int("capacity", p.Capacity).
		Float64("default_service_minutes", p.DefaultServiceMinutes).
		Dur("grace_period", p.GracePeriod).
		Msg("queue policy reloaded")
}

func (a *app) routes() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", "Location", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		a.logger.Warn().Msg("development authentication enabled; every request is trusted")
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	var checks []db.Check
	if a.pool != nil {
		checks = append(checks, db.PostgresCheck(a.pool))
	}
	if a.redis != nil {
		checks = append(checks, db.RedisCheck(a.redis))
	}
	e.GET("/health/db", db.HealthHandler(a.pool, checks...))
	e.GET("/metrics", metrics.Handler())

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
		rl.BurstSize = cfg.RateLimitBurst
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rl))
	queue.NewHandler(a.svc, a.notifier).RegisterRoutes(apiV1)

	// Staff screens follow the queue over a websocket at /api/v1/queue/ws.
	wsGroup := apiV1.Group("/queue", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleFrontDesk))
	websocket.NewHandler(a.hub, notify.Topic).
		WithActor(func(c echo.Context) string { return auth.UserIDFromContext(c.Request().Context()) }).
		RegisterRoutes(wsGroup)

	return e
}

// serve runs the HTTP server, the notifier and the worker until ctx ends or
// one of them fails, then shuts everything down.
func (a *app) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.notifier.Run(gctx) })
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := a.echo.Shutdown(sctx)
		a.worker.Shutdown(shutdownTimeout)
		a.hub.Close()
		a.notifier.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

// sweepOnce runs a single no-show sweep and waits for the resulting deltas
// to reach every sink.
func (a *app) sweepOnce(ctx context.Context) (int, error) {
	nctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.notifier.Run(nctx)

	n, err := a.svc.SweepNoShows(ctx)
	if err != nil {
		return n, fmt.Errorf("sweep: %w", err)
	}
	if err := a.notifier.Drain(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("not every delta was delivered before exit")
	}
	a.logger.Info().Int("no_shows", n).Msg("sweep finished")
	return n, nil
}

func (a *app) close() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
