package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/labflow/internal/config"
	"github.com/ehr/labflow/internal/domain/testrequest"
	"github.com/ehr/labflow/internal/platform/auth"
	"github.com/ehr/labflow/internal/platform/blobstore"
	"github.com/ehr/labflow/internal/platform/db"
	"github.com/ehr/labflow/internal/platform/middleware"
	"github.com/ehr/labflow/internal/platform/notification"
	"github.com/ehr/labflow/internal/platform/telemetry"
	"github.com/ehr/labflow/internal/platform/webhook"
	"github.com/ehr/labflow/internal/platform/websocket"
	"github.com/ehr/labflow/migrations"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

// app holds everything runServer starts and stops.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	echo       *echo.Echo
	engine     *testrequest.Engine
	dispatcher *notification.Dispatcher
	hub        *websocket.Hub
	telemetry  *telemetry.Provider
	closers    []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer(ctx context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is active: identities are taken from X-Actor-* headers, do not expose this server")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, migrate)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Str("report_store", cfg.ReportStoreDriver).
			Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = a.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = a.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().
		Int64("notifications_dropped", a.dispatcher.Dropped()).
		Int64("notifications_failed", a.dispatcher.Failed()).
		Msg("server stopped")
	return nil
}

// newApp opens the stores and builds the HTTP surface. It does not start
// anything.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, telemetry: telemetry.NewProvider()}

	repo, pinger, err := a.openStore(ctx, migrate)
	if err != nil {
		a.Close()
		return nil, err
	}
	blobs, err := openReportStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = websocket.NewHub(logger)
	sinks := []notification.Sink{notification.NewLogSink(logger, notification.NewTemplateEngine()), a.hub}
	if cfg.WebhookURL != "" {
		var opts []webhook.Option
		if cfg.WebhookAllowPrivate {
			opts = append(opts, webhook.AllowPrivateNetworks())
		}
		hook, err := webhook.NewSink([]webhook.Endpoint{{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}}, opts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		sinks = append(sinks, hook)
	}
	a.dispatcher = notification.NewDispatcher(cfg.NotifyBuffer, logger, sinks...)
	a.telemetry.GaugeFunc("notifications_dropped", "Notifications dropped because the buffer was full.",
		func() float64 { return float64(a.dispatcher.Dropped()) })
	a.telemetry.GaugeFunc("notifications_failed", "Notification deliveries that failed in a sink.",
		func() float64 { return float64(a.dispatcher.Failed()) })
	a.telemetry.GaugeFunc("feed_clients", "Connected live event feed clients.",
		func() float64 { return float64(a.hub.ClientCount()) })
	a.telemetry.GaugeFunc("feed_events_skipped", "Feed events skipped because a client buffer was full.",
		func() float64 { return float64(a.hub.Skipped()) })

	engineOpts := []testrequest.EngineOption{
		testrequest.WithPolicy(policy),
		testrequest.WithPublisher(a.dispatcher),
		testrequest.WithMetrics(a.telemetry),
		testrequest.WithLogger(logger),
		testrequest.WithMaxAttempts(cfg.CommitMaxAttempts),
	}
	if cfg.AutoFinalize {
		engineOpts = append(engineOpts, testrequest.WithAutoFinalize())
	}
	a.engine = testrequest.NewEngine(repo, engineOpts...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", middleware.RequestIDHeader, auth.HeaderActorID, auth.HeaderActorRole, auth.HeaderCenterID},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))

	// Health and metrics stay outside authentication.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger, cfg.StoreDriver))
	e.GET("/metrics", a.telemetry.Handler())

	apiV1 := e.Group("/api/v1", authMiddleware(cfg), middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		ExpiresIn:         3 * time.Minute,
	}))
	handler := testrequest.NewHandler(a.engine, blobs)
	handler.RegisterRoutes(apiV1)
	websocket.NewHandler(a.hub, handler.FeedTopics, cfg.CORSOrigins).RegisterRoutes(apiV1)

	a.echo = e
	return a, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	hasKeys := jwtCfg.JWKSURL != "" || jwtCfg.SigningKey != nil

	if cfg.ResolvedAuthMode() == "development" {
		var fallback echo.MiddlewareFunc
		if hasKeys {
			fallback = auth.JWTMiddleware(jwtCfg)
		}
		return auth.DevAuthMiddleware(fallback)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// openStore returns the configured repository and what /health/db pings.
func (a *app) openStore(ctx context.Context, migrate bool) (testrequest.Repository, db.Pinger, error) {
	cfg := a.cfg
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.logger.Info().Msg("connected to database")
		if migrate {
			n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("migration failed: %w", err)
			}
			a.logger.Info().Int("applied", n).Msg("migrations applied")
		}
		a.telemetry.GaugeFunc("db_pool_acquired_conns", "Connections currently checked out of the pool.",
			func() float64 { return float64(pool.Stat().AcquiredConns()) })
		return testrequest.NewRepoPG(pool), pool, nil

	case config.StoreSQLite:
		repo, err := testrequest.NewRepoSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = repo.Close() })
		a.logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return repo, repo, nil

	default:
		a.logger.Warn().Msg("using in-memory store, data is lost on restart")
		return testrequest.NewMemoryRepository(), db.PingFunc(func(context.Context) error { return nil }), nil
	}
}

func openReportStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.ReportStoreDriver != config.ReportStoreS3 {
		return blobstore.NewInMemoryBlobStore(), nil
	}
	store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		PathStyle:       cfg.S3PathStyle,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("report store: %w", err)
	}
	return store, nil
}
