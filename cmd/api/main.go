package main

import (
	"context"
	"errors"
	"net/http"
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
	// Local development reads .env; deployed environments set variables directly.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Info("starting comchat API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}

	app, err := bootstrap.NewApp(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	app.StartAPI(loopCtx)

	srv := newServer(cfg, app.Handler)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-serveErr:
		cancelLoops()
		app.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Loops stop after the listener so in-flight requests can still enqueue.
	cancelLoops()
	waitFor(shutdownCtx, app.Wait, logger)
	return nil
}

// newServer leaves read and write timeouts unset: the widget socket is long
// lived and request handling is bounded by the orchestrator's own deadline.
func newServer(cfg *appconfig.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func waitFor(ctx context.Context, wait func(), logger *logging.Logger) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Error("background loops did not stop in time", "error", ctx.Err())
	}
}
