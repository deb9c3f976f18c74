package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/comchat-platform/internal/backend"
	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/internal/health"
	"github.com/wolfman30/comchat-platform/internal/observability/metrics"
	"github.com/wolfman30/comchat-platform/internal/routing"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Backends is the model side of the service: live clients, their health and
// the router choosing between them.
type Backends struct {
	Registry *backend.Registry
	Monitor  *health.Monitor
	Router   *routing.Router
	Prober   *health.Prober
	Watcher  *backend.Watcher
}

// HealthConfig maps configuration to monitor thresholds.
func HealthConfig(cfg *appconfig.Config) health.Config {
	return health.Config{
		DegradeAfter: cfg.HealthDegradeAfter,
		DownAfter:    cfg.HealthDownAfter,
		RecoverAfter: cfg.HealthRecoverAfter,
		ErrorRate:    cfg.HealthErrorRate,
		Window:       cfg.HealthWindow,
		MinSamples:   cfg.HealthMinSamples,
		Cooldown:     cfg.HealthCooldown,
	}
}

// BuildBackends loads the backend file and wires registry, monitor, router,
// prober and watcher together.
func BuildBackends(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, reg prometheus.Registerer, logger *logging.Logger) (*Backends, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return buildBackends(ctx, cfg, backend.ProviderFactory{
		AWS:          awsCfg,
		GeminiAPIKey: cfg.GeminiAPIKey,
		HTTPClient:   &http.Client{},
	}, reg, logger)
}

func buildBackends(ctx context.Context, cfg *appconfig.Config, factory backend.Factory, reg prometheus.Registerer, logger *logging.Logger) (*Backends, error) {
	monitor := health.NewMonitor(HealthConfig(cfg), health.WithLogger(logger))
	routingMetrics := metrics.NewRoutingMetrics(reg)
	monitor.Subscribe(func(t health.Transition) {
		routingMetrics.SetBackendState(t.Backend, int(t.To))
	})

	registry := backend.NewRegistry(factory, logger,
		backend.WithReporter(monitor),
		backend.WithDefaultTimeout(cfg.BackendTimeout),
		backend.WithLogger(logger),
	)
	registry.OnLoad(func(descs []backend.Descriptor) {
		names := make([]string, 0, len(descs))
		keep := make(map[string]bool, len(descs))
		for _, d := range descs {
			names = append(names, d.Name)
			keep[d.Name] = true
		}
		for name := range monitor.Snapshot() {
			if !keep[name] {
				routingMetrics.ForgetBackend(name)
			}
		}
		monitor.Sync(names)
		for _, name := range names {
			routingMetrics.SetBackendState(name, int(monitor.Status(name)))
		}
	})

	descs, err := backend.LoadFile(cfg.BackendsFile)
	if err != nil {
		return nil, err
	}
	if err := registry.Load(ctx, descs); err != nil {
		return nil, fmt.Errorf("bootstrap: load backends: %w", err)
	}

	router := routing.New(registry, monitor, routing.Config{
		MaxCandidates:     cfg.MaxCandidates,
		RateLimitCooldown: cfg.RateLimitCooldown,
	}, routingMetrics, logger)

	prober := health.NewProber(monitor, func() []health.Target {
		clients := registry.Clients()
		targets := make([]health.Target, 0, len(clients))
		for _, c := range clients {
			if c.SupportsProbe() {
				targets = append(targets, c)
			}
		}
		return targets
	}, cfg.HealthProbeInterval, logger)

	return &Backends{
		Registry: registry,
		Monitor:  monitor,
		Router:   router,
		Prober:   prober,
		Watcher:  backend.NewWatcher(cfg.BackendsFile, registry, logger),
	}, nil
}
