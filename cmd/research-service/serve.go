package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"research/internal/api"
	"research/internal/config"
	"research/internal/dispatcher"
	"research/internal/health"
	"research/internal/hub"
	"research/internal/job"
	"research/internal/logging"
	"research/internal/observability"
	"research/internal/stage"
	"research/internal/store/sqlite"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := logging.ContextAttrs(cmd.Context(), slog.Group("research",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	stageCfg := stage.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(ctx, sqlite.Config{
		Path:    svcCfg.DatabasePath,
		DataDir: svcCfg.DataDir,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	slog.InfoContext(ctx, "Opened job database", "path", svcCfg.DatabasePath)

	stages, err := stage.New(stageCfg)
	if err != nil {
		return err
	}

	observers := hub.New(metrics)
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, observers, metrics)

	jobService, err := job.NewService(job.ServiceConfig{
		DataDir:          svcCfg.DataDir,
		MaxDescription:   svcCfg.MaxDescription,
		ChatHistoryLimit: svcCfg.ChatHistoryLimit,
		Executor: job.ExecutorConfig{
			StoreRetries: svcCfg.StoreRetries,
			Personas:     svcCfg.PersonaCount,
		},
	}, job.Dependencies{
		Store:         store,
		Dispatcher:    eventDispatcher,
		Subscriptions: observers,
		Stages:        stages.Stages(),
		Chat:          stages.Chat,
		Check:         stages.CheckDescription,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	// Pipelines do not survive a restart
	if _, err := jobService.RecoverInterrupted(ctx); err != nil {
		return err
	}

	healthChecker := health.NewChecker(store)
	healthChecker.AddOptional("stages", stages)

	var createLimiter *rate.Limiter
	if svcCfg.CreatePerMinute > 0 {
		createLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(svcCfg.CreatePerMinute)), max(1, svcCfg.CreateBurst))
	}

	router := api.NewRouter(api.RouterConfig{
		JobService:     jobService,
		Metrics:        metrics,
		HealthChecker:  healthChecker,
		APIKey:         svcCfg.APIKey,
		WSWriteTimeout: svcCfg.WSWriteTimeout,
		CreateLimiter:  createLimiter,
	})

	if svcCfg.APIKey != "" {
		slog.InfoContext(ctx, "API authentication enabled")
	} else {
		slog.WarnContext(ctx, "API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.InfoContext(ctx, "Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "Shutdown requested", "cause", context.Cause(gctx))
		shutdown(context.WithoutCancel(ctx), svcCfg, healthChecker, []*http.Server{apiServer, metricsServer}, jobService, eventDispatcher, observers)
		return nil
	})

	return g.Wait()
}

// shutdown drains traffic first, then workers, then queued events.
func shutdown(ctx context.Context, cfg *config.ServiceConfig, checker *health.Checker, servers []*http.Server,
	svc *job.Service, d *dispatcher.MemoryDispatcher, observers *hub.Hub) {
	// Phase 1: Mark service as unhealthy for load balancer draining
	checker.SetShuttingDown()
	if cfg.ShutdownDrainWait > 0 {
		slog.InfoContext(ctx, "Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting connections, finish in-flight requests
	slog.InfoContext(ctx, "Starting graceful shutdown")
	serverCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(serverCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "Server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	// Phase 3: Let running pipelines finish; the rest are failed on next start
	workerCtx, cancelWorkers := context.WithTimeout(ctx, cfg.WorkerDrainWait)
	defer cancelWorkers()
	if err := svc.Wait(workerCtx); err != nil {
		slog.WarnContext(ctx, "Pipelines still running at shutdown", "error", err)
	}

	// Phase 4: Deliver queued events
	dispatcherCtx, cancelDispatcher := context.WithTimeout(ctx, 10*time.Second)
	defer cancelDispatcher()
	if err := svc.Shutdown(dispatcherCtx); err != nil {
		slog.WarnContext(ctx, "Dispatcher shutdown error", "error", err)
	}

	stats := d.Stats()
	slog.InfoContext(ctx, "Dispatcher stats",
		"delivered", stats.Delivered,
		"dropped", stats.Dropped,
	)
	observers.Close()
	slog.InfoContext(ctx, "Shutdown complete")
}
