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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/dentaldesk/cmd/mainconfig"
	"github.com/wolfman30/dentaldesk/internal/api/router"
	"github.com/wolfman30/dentaldesk/internal/app/bootstrap"
	"github.com/wolfman30/dentaldesk/internal/booking"
	appconfig "github.com/wolfman30/dentaldesk/internal/config"
	"github.com/wolfman30/dentaldesk/internal/conversation"
	httpmiddleware "github.com/wolfman30/dentaldesk/internal/http/middleware"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const limiterEvictInterval = 10 * time.Minute

func main() {
	cfg := mainconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting dentaldesk API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("Server exited gracefully")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	metricsHandler, registry := setupMetrics()
	rt, err := bootstrap.BuildRuntime(ctx, cfg, awsCfg, logger, registry)
	if err != nil {
		return err
	}
	defer rt.Close()

	publisher, err := rt.Publisher()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// A memory queue only exists in this process, so the pipeline runs here too.
	if cfg.UseMemoryQueue {
		logger.Warn("USE_MEMORY_QUEUE set; running the conversation worker in-process")
		if err := startPipeline(gctx, g, rt); err != nil {
			return err
		}
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitPerMinute/60, cfg.RateLimitBurst)
	g.Go(func() error {
		ticker := time.NewTicker(limiterEvictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				limiter.Evict(now.Add(-limiterEvictInterval))
			}
		}
	})

	handler := router.New(&router.Config{
		Logger:              logger,
		ConversationHandler: conversation.NewHandler(publisher, rt.Store, logger),
		BookingHandler:      booking.NewHandler(rt.Booking, logger),
		MetricsHandler:      metricsHandler,
		MetricsGatherer:     registry,
		AdminAuthSecret:     cfg.AdminJWTSecret,
		AdminIssuer:         cfg.AdminIssuer,
		InboundLimiter:      limiter,
	})
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; admin endpoints reject every request")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// startPipeline runs the worker, reply dispatcher and janitor under g.
func startPipeline(ctx context.Context, g *errgroup.Group, rt *bootstrap.Runtime) error {
	worker, err := rt.BuildWorker(ctx)
	if err != nil {
		return err
	}
	dispatcher := rt.BuildReplyDispatcher()
	janitor := rt.BuildJanitor()

	g.Go(func() error {
		worker.Start(ctx)
		worker.Wait()
		return nil
	})
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return janitor.Run(ctx) })
	return nil
}

func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), registry
}
