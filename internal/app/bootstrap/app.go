package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/comchat-platform/internal/api/router"
	"github.com/wolfman30/comchat-platform/internal/backend"
	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/events"
	"github.com/wolfman30/comchat-platform/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/comchat-platform/internal/http/middleware"
	"github.com/wolfman30/comchat-platform/internal/inbound"
	"github.com/wolfman30/comchat-platform/internal/notify"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// App is the fully wired service shared by the api and worker binaries.
type App struct {
	Config  *appconfig.Config
	Logger  *logging.Logger
	Metrics *prometheus.Registry

	Pool  *pgxpool.Pool
	DB    *sql.DB
	Redis *redis.Client

	Tenants      tenancy.Directory
	Webhooks     tenancy.WebhookSource
	Stores       Stores
	Backends     *Backends
	Orchestrator *conversation.Orchestrator
	Media        *backend.HTTPMediaFetcher
	Inbound      *Inbound
	Channels     *Channels
	Archiver     conversation.Archiver
	Alerter      *notify.Alerter
	RateLimiter  *httpmiddleware.RateLimiter

	Handler http.Handler

	wg     sync.WaitGroup
	worker *inbound.Worker
}

// NewApp connects infrastructure and wires every component from cfg.
func NewApp(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	app := &App{Config: cfg, Logger: logger, Metrics: prometheus.NewRegistry()}
	app.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	if app.Pool, app.DB, err = OpenDatabase(ctx, cfg); err != nil {
		return nil, err
	}
	app.Redis = BuildRedisClient(ctx, cfg, logger, true)

	if app.Tenants, app.Webhooks, err = BuildTenantDirectory(cfg, app.DB, app.Redis, logger); err != nil {
		app.Close()
		return nil, err
	}
	app.Stores = BuildStores(app.Pool, logger)

	if app.Backends, err = BuildBackends(ctx, cfg, awsCfg, app.Metrics, logger); err != nil {
		app.Close()
		return nil, err
	}
	app.Media = BuildMediaFetcher(cfg)
	app.Orchestrator = BuildOrchestrator(cfg, app.Tenants, app.Webhooks, app.Stores, app.Backends.Router, app.Media, app.Metrics, logger)

	if app.Inbound, err = BuildInbound(cfg, awsCfg, logger); err != nil {
		app.Close()
		return nil, err
	}
	app.Channels = BuildChannels(cfg, app.Tenants, app.Orchestrator, app.Inbound.Publisher, app.Stores.Processed, app.Metrics, logger)
	app.Channels.RegisterMediaResolvers(app.Media)
	app.Archiver = BuildArchiver(cfg, awsCfg, logger)

	if app.Alerter, err = BuildAlerter(cfg, awsCfg, logger); err != nil {
		app.Close()
		return nil, err
	}
	if app.Alerter != nil {
		app.Backends.Monitor.Subscribe(app.Alerter.Listen)
	}

	if cfg.RateLimitRPS > 0 {
		app.RateLimiter = httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	app.Handler = router.New(app.routerConfig())
	return app, nil
}

func (a *App) routerConfig() *router.Config {
	healthHandler := handlers.NewHealthHandler(a.Backends.Monitor, a.Logger)
	if a.Pool != nil {
		healthHandler.AddCheck("postgres", func(ctx context.Context) error { return a.Pool.Ping(ctx) })
	}
	if a.Redis != nil {
		healthHandler.AddCheck("redis", func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
	}

	return &router.Config{
		Logger:             a.Logger,
		Health:             healthHandler,
		Chat:               conversation.NewHandler(a.Orchestrator, a.Stores.Conversations, a.Tenants, a.Logger),
		Web:                a.Channels.Web,
		WhatsApp:           a.Channels.WhatsApp,
		Telegram:           a.Channels.Telegram,
		AdminBackends:      handlers.NewAdminBackendsHandler(a.Backends.Registry, a.Backends.Monitor, a.Backends.Watcher, a.Logger),
		AdminAuthSecret:    a.Config.AdminJWTSecret,
		MetricsHandler:     promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{Registry: a.Metrics}),
		CORSAllowedOrigins: a.Config.CORSAllowedOrigins,
		RateLimiter:        a.RateLimiter,
	}
}

func (a *App) goRun(ctx context.Context, name string, fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(ctx)
		a.Logger.Debug("background loop stopped", "loop", name)
	}()
}

// StartBackground runs the loops every process needs: health probes, the
// backend file watcher and operator alerts.
func (a *App) StartBackground(ctx context.Context) {
	a.goRun(ctx, "prober", a.Backends.Prober.Run)
	if a.Config.BackendsWatch {
		a.goRun(ctx, "backends-watcher", func(ctx context.Context) {
			if err := a.Backends.Watcher.Run(ctx); err != nil {
				a.Logger.Error("backend watcher stopped", "error", err)
			}
		})
	}
	if a.Alerter != nil {
		a.goRun(ctx, "alerter", a.Alerter.Run)
	}
}

// StartAPI starts the loops owned by the API process: the idle sweeper, the
// webhook outbox and, with the in-memory queue, an inline inbound worker.
func (a *App) StartAPI(ctx context.Context) {
	a.StartBackground(ctx)
	if a.RateLimiter != nil {
		a.goRun(ctx, "ratelimit-eviction", func(ctx context.Context) {
			a.RateLimiter.RunEviction(ctx, time.Minute)
		})
	}

	sweeper := conversation.NewSweeper(a.Orchestrator, a.Stores.Conversations, a.Archiver, a.Config.IdleSweepInterval, a.Logger)
	a.goRun(ctx, "idle-sweeper", sweeper.Run)

	dispatcher := events.NewWebhookDispatcher(a.Webhooks, &http.Client{Timeout: 10 * time.Second}, a.Logger)
	deliverer := events.NewDeliverer(a.Stores.Outbox, dispatcher, a.Logger).
		WithInterval(a.Config.WebhookDeliveryPeriod).
		WithBatchSize(int32(a.Config.WebhookDeliveryBatch)).
		WithMaxAttempts(a.Config.WebhookMaxAttempts)
	a.goRun(ctx, "webhook-outbox", deliverer.Start)

	if a.Inbound.Memory {
		a.Logger.Info("running inbound worker in process")
		a.startWorker(ctx)
	}
}

// StartWorker starts the inbound queue consumer for the worker process.
func (a *App) StartWorker(ctx context.Context) {
	a.StartBackground(ctx)
	a.startWorker(ctx)
}

func (a *App) startWorker(ctx context.Context) {
	a.worker = a.Inbound.NewWorker(a.Config, a.Orchestrator, a.Channels.Registry, a.Logger)
	a.worker.Start(ctx)
}

// Wait blocks until every started loop has returned. Cancel the context
// passed to Start* first.
func (a *App) Wait() {
	if a.worker != nil {
		a.worker.Wait()
	}
	a.wg.Wait()
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
