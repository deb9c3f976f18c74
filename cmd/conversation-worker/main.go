package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/wolfman30/comchat-platform/cmd/mainconfig"
	"github.com/wolfman30/comchat-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conversation worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg.UseMemoryQueue {
		return errors.New("USE_MEMORY_QUEUE=true runs the worker inside the API process; set INBOUND_QUEUE_URL to run it separately")
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	app, err := bootstrap.NewApp(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.StartWorker(workerCtx)
	logger.Info("conversation worker started", "workers", cfg.WorkerCount, "queue_url", cfg.InboundQueueURL)

	<-ctx.Done()
	logger.Info("shutting down conversation worker...")
	cancel()

	done := make(chan struct{})
	go func() {
		app.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("conversation worker stopped")
	case <-time.After(30 * time.Second):
		logger.Error("conversation worker shutdown timed out")
	}
	return nil
}
