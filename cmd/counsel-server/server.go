package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/counsel/counsel/internal/config"
	"github.com/counsel/counsel/internal/domain/counseling"
	"github.com/counsel/counsel/internal/platform/auth"
	"github.com/counsel/counsel/internal/platform/db"
	"github.com/counsel/counsel/internal/platform/logging"
	"github.com/counsel/counsel/internal/platform/middleware"
	"github.com/counsel/counsel/internal/platform/telemetry"
)

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(loggingOptions(cfg))

	tp, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "counsel-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
		SampleRate:     cfg.OTelSampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background(), tp); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	schedMetrics := telemetry.NewSchedulingMetrics(reg)

	a, err := newApp(ctx, cfg, logger, schedMetrics)
	if err != nil {
		return err
	}
	defer a.Close()

	e := newRouter(cfg, logger, routerDeps{
		handler:    counseling.NewHandler(a.svc),
		registry:   reg,
		tracer:     tp,
		httpMetric: telemetry.NewHTTPMetrics(reg),
		dbHealth:   db.HealthHandler(a.pool),
	})

	pollerCtx, stopPoller := context.WithCancel(ctx)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		if err := a.poller.Run(pollerCtx, cfg.ReminderInterval, a.svc.EscalatePriorities); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("reminder poller stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		stopPoller()
		<-pollerDone
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = e.Shutdown(shutdownCtx)
	stopPoller()
	<-pollerDone
	if err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

type routerDeps struct {
	handler    *counseling.Handler
	registry   *prometheus.Registry
	tracer     trace.TracerProvider
	httpMetric *telemetry.HTTPMetrics
	dbHealth   echo.HandlerFunc
}

// newRouter assembles the middleware chain and mounts the API under /api/v1.
// Health and metrics endpoints bypass authentication.
func newRouter(cfg *config.Config, logger zerolog.Logger, d routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(telemetry.TracingMiddleware(d.tracer))
	if d.httpMetric != nil {
		e.Use(d.httpMetric.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("development auth enabled, X-User-ID and X-User-Role headers are trusted")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if d.dbHealth != nil {
		e.GET("/health/db", d.dbHealth)
	}
	if d.registry != nil {
		e.GET("/metrics", telemetry.Handler(d.registry))
	}

	api := e.Group("/api/v1")
	d.handler.RegisterRoutes(api)

	return e
}
