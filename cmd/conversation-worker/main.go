package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/dentaldesk/cmd/mainconfig"
	"github.com/wolfman30/dentaldesk/internal/app/bootstrap"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

func main() {
	cfg := mainconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	rt, err := bootstrap.BuildRuntime(ctx, cfg, awsConfig, logger, registry)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()
	if rt.Queue == nil {
		logger.Error("conversation worker requires CONVERSATION_QUEUE_URL")
		os.Exit(1)
	}

	worker, err := rt.BuildWorker(ctx)
	if err != nil {
		logger.Error("failed to build worker", "error", err)
		os.Exit(1)
	}
	dispatcher := rt.BuildReplyDispatcher()
	janitor := rt.BuildJanitor()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Start(gctx)
		worker.Wait()
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down conversation worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("conversation worker started", "workers", cfg.WorkerCount, "metrics_addr", metricsSrv.Addr)

	waitCh := make(chan error, 1)
	go func() { waitCh <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-waitCh:
	case <-gctx.Done():
		// Workers finish their in-flight message before Wait returns.
		timeout := time.NewTimer(30 * time.Second)
		defer timeout.Stop()
		select {
		case runErr = <-waitCh:
		case <-timeout.C:
			logger.Error("conversation worker shutdown timed out")
			os.Exit(1)
		}
	}
	if runErr != nil {
		logger.Error("conversation worker stopped with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("conversation worker stopped")
}
