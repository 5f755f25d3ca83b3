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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/firewatch-np/fire-feed-service/internal/app"
	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/config"
	"github.com/firewatch-np/fire-feed-service/internal/health"
	"github.com/firewatch-np/fire-feed-service/internal/modelstore"
	httphandler "github.com/firewatch-np/fire-feed-service/internal/http"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
	"github.com/firewatch-np/fire-feed-service/internal/predictions"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	store, err := app.OpenStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("cache store", zap.Error(err))
	}

	tracker := health.NewTracker()
	fireService := app.NewService(cfg, app.NewUpstream(cfg, logger), store, tracker, logger)

	monitor := health.NewMonitor(tracker, healthThresholds(cfg))
	monitor.AddCheck("cache", store.Ping)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	observability.RegisterRateLimitGauges(tracker, cfg.OverloadWindow)

	var predictor httphandler.PredictionService
	if cfg.PredictionsEnabled {
		predictor = predictions.NewClient(cfg.BackendURL, cfg.BackendTimeout, logger)
	}
	handler := httphandler.NewHandler(fireService, predictor, monitor, logger, version)
	modelStore, err := modelstore.New(cfg.ModelDir, logger)
	if err != nil {
		logger.Fatal("model store", zap.Error(err))
	}
	handler.WithModels(modelStore)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		RateLimiter:    limiter,
		Recorder:       tracker,
		RequestTimeout: cfg.RequestTimeout,
	})

	scheduler := cache.NewScheduler(cfg.WarmingLocation, logger)
	if cfg.WarmingEnabled {
		warmer := cache.NewWarmer(fireService, logger)
		targets := func() []cache.Target {
			return cache.TargetsFor(time.Now(), cfg.WarmingLocation, cfg.WarmingSources)
		}
		go func() {
			warmCtx, warmCancel := context.WithTimeout(context.Background(), cfg.FetchTimeout+5*time.Second)
			defer warmCancel()
			if err := warmer.Warm(warmCtx, targets()); err != nil {
				logger.Warn("startup cache warming failed", zap.Error(err))
			}
		}()
		if cfg.WarmingSchedule != "" {
			if err := scheduler.ScheduleWarm(cfg.WarmingSchedule, warmer, targets); err != nil {
				logger.Fatal("warming schedule", zap.Error(err))
			}
		}
	}
	if cfg.PruneSchedule != "" {
		if err := scheduler.SchedulePrune(cfg.PruneSchedule, store, cfg.DiskMaxAge); err != nil {
			logger.Fatal("prune schedule", zap.Error(err))
		}
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	monitor.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduled jobs still running", zap.Error(err))
	}

	if err := observability.FlushTelemetry(shutdownCtx, logger, store); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func healthThresholds(cfg *config.Config) health.Thresholds {
	return health.Thresholds{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
	}
}
