// cmd/worker-manager/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skyfi-billing/internal/common/config"
	"skyfi-billing/internal/common/httpserver"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/observability"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(ctx context.Context, operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	bootLog := logger.New("info", "console")

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal("config load failed", zap.Error(err))
	}
	_ = bootLog.Sync()

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = zapLog.Sync() }()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting skyfi billing service...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("workflowMode", cfg.Workflow.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.Tracing, cfg.Tracing.ServiceName)
	if err != nil {
		zapLog.Fatal("observability setup failed", zap.Error(err))
	}

	app, err := build(ctx, cfg, zapLog, log, obs)
	if err != nil {
		zapLog.Fatal("startup failed", zap.Error(err))
	}

	workers := app.startWorkers(cfg, obs)
	zapLog.Info("workers registered", zap.Int("count", len(workers)))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		e := httpserver.New(log, cfg.Tracing.ServiceName, app.api)
		zapLog.Info("HTTP server listening", zap.String("address", cfg.HTTP.Address))
		return httpserver.Start(gctx, e, cfg.HTTP.Address)
	})
	if app.feed != nil {
		group.Go(func() error {
			return app.feed.Run(gctx, app.hub.Dispatch, app.hub.Resync)
		})
	}
	if app.reconciler != nil {
		group.Go(func() error {
			return app.reconciler.Run(gctx, cfg.Workflow.ReconcileIntervalDuration())
		})
	}

	<-gctx.Done()
	zapLog.Info("Shutdown signal received, stopping workers...")
	for _, w := range workers {
		w.Stop()
	}
	if err := group.Wait(); err != nil {
		zapLog.Error("service stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.close()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("observability shutdown failed", zap.Error(err))
	}

	zapLog.Info("Service stopped gracefully")
}
