package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/domain/escalation"
	"github.com/ehr/triage/internal/domain/hospital"
	"github.com/ehr/triage/internal/domain/patient"
	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/internal/platform/events"
	"github.com/ehr/triage/internal/platform/lock"
	"github.com/ehr/triage/internal/platform/metrics"
	"github.com/ehr/triage/internal/platform/middleware"
	"github.com/ehr/triage/internal/platform/mlclient"
	"github.com/ehr/triage/internal/platform/webhook"
	"github.com/ehr/triage/internal/platform/websocket"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired dependencies shared by serve and scan.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	nats     *events.NATSPublisher
	metrics  *metrics.Metrics
	ml       *mlclient.Client
	patients *patient.Service
	scanner  *escalation.Scanner
}

// newApp connects to Postgres and the optional Redis and NATS backends and
// builds the services. local, when non-nil, receives events directly if no
// Redis relay is configured. extra publishers always receive every event.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, local events.Publisher, extra ...events.Publisher) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	logger.Info().Msg("connected to database")

	var publishers []events.Publisher
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup; continuing")
		}
		publishers = append(publishers, events.NewRedisPublisher(a.redis, ""))
	} else if local != nil {
		publishers = append(publishers, local)
	}
	if cfg.NATSURL != "" {
		a.nats, err = events.NewNATSPublisher(events.NATSConfig{URL: cfg.NATSURL})
		if err != nil {
			a.Close()
			return nil, err
		}
		publishers = append(publishers, a.nats)
	}
	publishers = append(publishers, extra...)

	a.metrics, err = metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	mlCfg := mlclient.DefaultConfig(cfg.MLServiceURL)
	if cfg.MLTimeout > 0 {
		mlCfg.PredictTimeout = cfg.MLTimeout
	}
	mlCfg.OnHealth = a.metrics.SetMLAvailable
	a.ml = mlclient.New(mlCfg, logger)

	a.patients = patient.NewService(
		patient.NewPatientRepoPG(pool),
		patient.NewObservationRepoPG(pool),
		patient.NewHistoryRepoPG(pool),
		patient.NewAlertRepoPG(pool),
		patient.NewPredictionRepoPG(pool),
		db.NewTxManager(pool),
		triage.NewPolicy(cfg.Thresholds()),
		logger,
	)
	if len(publishers) > 0 {
		a.patients.SetPublisher(events.NewMulti(logger, publishers...))
	}
	a.patients.SetAdvisor(a.ml)
	a.patients.SetMetrics(a.metrics)

	a.scanner = escalation.NewScanner(a.patients, cfg.ScanInterval, logger)
	a.scanner.SetMetrics(a.metrics)
	if a.redis != nil {
		a.scanner.SetLocker(lock.NewRedisLocker(a.redis, ""))
	}
	return a, nil
}

func (a *app) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) healthChecks() []db.Check {
	var checks []db.Check
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	if a.nats != nil {
		checks = append(checks, db.Check{Name: "nats", Ping: a.nats.Ping})
	}
	return checks
}

func runScan(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.scanner.ScanOnce(ctx, nil)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(logger)
	var extra []events.Publisher
	var hooks *webhook.Dispatcher
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, len(cfg.WebhookURLs))
		for i, u := range cfg.WebhookURLs {
			endpoints[i] = webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents}
		}
		hooks, err = webhook.NewDispatcher(endpoints, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid webhook configuration")
		}
		extra = append(extra, hooks)
	}

	a, err := newApp(ctx, cfg, logger, hub, extra...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	e := newEcho(a, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.scanner.Run(gctx)
	})
	g.Go(func() error {
		return a.ml.StartHealthLoop(gctx, cfg.MLHealthInterval)
	})
	if hooks != nil {
		g.Go(func() error {
			return hooks.Run(gctx)
		})
	}
	if a.redis != nil {
		g.Go(func() error {
			return events.Relay(gctx, a.redis, "", hub, logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(a *app, hub *websocket.Hub) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	limit := middleware.DefaultRateLimitConfig()
	limit.Requests = cfg.RateLimit
	limit.Window = cfg.RateWindow
	limit.Logger = a.logger
	if a.redis != nil {
		limit.Counter = middleware.NewRedisCounter(a.redis, "")
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"mlService": a.ml.Available(),
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.healthChecks()...))
	e.GET("/metrics", metrics.Handler(prometheus.DefaultGatherer))

	apiV1 := e.Group("/api/v1", middleware.RateLimit(limit))

	hospital.NewHandler(hospital.NewService(hospital.NewRepoPG(a.pool))).RegisterRoutes(apiV1)
	patient.NewHandler(a.patients).RegisterRoutes(apiV1)
	escalation.NewHandler(a.scanner).RegisterRoutes(apiV1)

	wsHandler := websocket.NewHandler(hub)
	wsHandler.RoomFilter = websocket.AuthorizeRooms
	wsHandler.RegisterRoutes(apiV1)

	return e
}
