package health

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Target is a backend that can be probed. *backend.Client satisfies it and
// reports the probe outcome back to the monitor itself.
type Target interface {
	Name() string
	Probe(ctx context.Context) error
}

// Prober periodically probes down backends whose cooldown has elapsed.
type Prober struct {
	monitor  *Monitor
	targets  func() []Target
	interval time.Duration
	logger   *logging.Logger
}

func NewProber(monitor *Monitor, targets func() []Target, interval time.Duration, logger *logging.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Prober{monitor: monitor, targets: targets, interval: interval, logger: logger}
}

// Run probes on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every due target and returns how many were probed.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	probed := 0
	for _, t := range p.targets() {
		if !p.monitor.ProbeDue(t.Name()) {
			continue
		}
		probed++
		err := t.Probe(ctx)
		switch {
		case err == nil:
			p.logger.Info("backend probe succeeded", "backend", t.Name())
		case errors.Is(err, backend.ErrProbeUnsupported):
			p.logger.Debug("backend has no probe, waiting for live traffic", "backend", t.Name())
		default:
			p.logger.Warn("backend probe failed", "backend", t.Name(), "error", err)
		}
	}
	return probed
}
