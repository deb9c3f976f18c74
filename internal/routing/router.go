// Package routing picks model backends for a request and falls back across them.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/internal/health"
	"github.com/wolfman30/comchat-platform/internal/observability/metrics"
	"github.com/wolfman30/comchat-platform/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrExhausted matches every ExhaustedError.
	ErrExhausted = errors.New("routing: all backends exhausted")
	// ErrNoCandidates means the policy left nothing to try.
	ErrNoCandidates = errors.New("routing: no candidate backends")
	// ErrNoImageBackend means no backend in policy accepts images.
	ErrNoImageBackend = errors.New("routing: no image-capable backend")
)

// Backends lists the live backend clients in configuration order.
type Backends interface {
	Clients() []*backend.Client
}

// HealthSource is the read side of the health monitor plus rate-limit marking.
type HealthSource interface {
	Status(name string) health.State
	Throttle(name string, d time.Duration)
}

// Attempt records one failed candidate.
type Attempt struct {
	Backend string
	Kind    backend.Kind
	Err     error
}

// ExhaustedError is returned when every candidate failed.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Backend+"="+a.Kind.String())
	}
	return fmt.Sprintf("%s: %s", ErrExhausted, strings.Join(parts, ", "))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Request is one routed generation.
type Request struct {
	Tenant      string
	Policy      Policy
	Modality    backend.Modality
	System      []string
	Context     []backend.Turn
	Input       backend.Turn
	MaxTokens   int32
	Temperature float32
}

// Result is a successful routing with the candidates that failed before it.
type Result struct {
	backend.Result
	Attempts []Attempt
}

// Config tunes the router.
type Config struct {
	// MaxCandidates caps how many backends one request may try. Zero means all.
	MaxCandidates int
	// RateLimitCooldown is how long a rate limited backend is marked degraded.
	RateLimitCooldown time.Duration
}

// Router orders candidates by modality, policy, health and priority, then
// tries each exactly once.
type Router struct {
	backends Backends
	health   HealthSource
	cfg      Config
	metrics  *metrics.RoutingMetrics
	logger   *logging.Logger
	tracer   trace.Tracer
}

func New(backends Backends, health HealthSource, cfg Config, m *metrics.RoutingMetrics, logger *logging.Logger) *Router {
	if backends == nil || health == nil {
		panic("routing: backends and health are required")
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 20 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{
		backends: backends,
		health:   health,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("comchat.internal.routing"),
	}
}

type ranked struct {
	client *backend.Client
	state  health.State
	pref   int
	index  int
}

// Candidates returns the ordered backends for a policy and modality.
// Down backends are only returned when nothing healthy or degraded remains.
func (r *Router) Candidates(policy Policy, modality backend.Modality) []*backend.Client {
	if !policy.Valid() {
		policy = DefaultPolicy
	}
	var live, down []ranked
	for i, c := range r.backends.Clients() {
		d := c.Descriptor()
		if !d.Supports(modality) || !policy.admits(d.Local) {
			continue
		}
		rk := ranked{client: c, state: r.health.Status(d.Name), pref: policy.preference(d.Local), index: i}
		if rk.state == health.StateDown {
			down = append(down, rk)
		} else {
			live = append(live, rk)
		}
	}

	pool := live
	if len(pool) == 0 {
		pool = down
	}
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.state != b.state {
			return a.state < b.state
		}
		if a.pref != b.pref {
			return a.pref < b.pref
		}
		pa, pb := a.client.Descriptor().Priority, b.client.Descriptor().Priority
		if pa != pb {
			return pa < pb
		}
		return a.index < b.index
	})

	if r.cfg.MaxCandidates > 0 && len(pool) > r.cfg.MaxCandidates {
		pool = pool[:r.cfg.MaxCandidates]
	}
	out := make([]*backend.Client, len(pool))
	for i, rk := range pool {
		out[i] = rk.client
	}
	return out
}

// Budget is the longest Route may take for a policy and modality: each
// candidate it would try, given the slowest admitted backend's timeout.
func (r *Router) Budget(policy Policy, modality backend.Modality) time.Duration {
	if !policy.Valid() {
		policy = DefaultPolicy
	}
	if modality == "" {
		modality = backend.ModalityText
	}
	var slowest time.Duration
	for _, c := range r.backends.Clients() {
		d := c.Descriptor()
		if !d.Supports(modality) || !policy.admits(d.Local) {
			continue
		}
		if t := c.Timeout(); t > slowest {
			slowest = t
		}
	}
	return slowest * time.Duration(len(r.Candidates(policy, modality)))
}

// Route generates a reply, falling back across candidates on timeouts,
// unavailability and rate limits. An invalid request aborts immediately.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	if req.Modality == "" {
		req.Modality = backend.ModalityText
	}
	policy := req.Policy
	if !policy.Valid() {
		policy = DefaultPolicy
	}

	ctx, span := r.tracer.Start(ctx, "routing.route", trace.WithAttributes(
		attribute.String("comchat.tenant", req.Tenant),
		attribute.String("comchat.routing.policy", string(policy)),
		attribute.String("comchat.routing.modality", string(req.Modality)),
	))
	defer span.End()

	logger := r.logger.With("tenant", req.Tenant, "policy", string(policy), "modality", string(req.Modality))

	candidates := r.Candidates(policy, req.Modality)
	span.SetAttributes(attribute.Int("comchat.routing.candidates", len(candidates)))
	if len(candidates) == 0 {
		r.metrics.RecordExhausted(string(policy), string(req.Modality))
		if req.Modality == backend.ModalityImage {
			err := &backend.Error{Kind: backend.KindInvalidRequest, Err: ErrNoImageBackend}
			logger.Warn("no image-capable backend for request")
			span.RecordError(err)
			return nil, err
		}
		logger.Error("no candidate backends for policy")
		span.RecordError(ErrNoCandidates)
		return nil, fmt.Errorf("%w for policy %s", ErrNoCandidates, policy)
	}

	var attempts []Attempt
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Backend: c.Name(), Kind: backend.KindUnavailable, Err: err})
			break
		}

		res, err := c.Generate(ctx, backend.GenerateRequest{
			System:      req.System,
			Context:     req.Context,
			Input:       req.Input,
			Modality:    req.Modality,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
		if err == nil {
			r.metrics.ObserveCall(c.Name(), "ok", res.Latency)
			if len(attempts) > 0 {
				logger.Info("reply served by fallback backend", "backend", c.Name(), "failed_attempts", len(attempts))
			}
			span.SetAttributes(attribute.String("comchat.routing.backend", c.Name()))
			return &Result{Result: res, Attempts: attempts}, nil
		}

		kind := backend.KindOf(err)
		r.metrics.ObserveCall(c.Name(), kind.String(), 0)
		if kind == backend.KindInvalidRequest {
			logger.Warn("backend rejected request, not falling back", "backend", c.Name(), "error", err)
			span.RecordError(err)
			return nil, err
		}
		if kind == backend.KindRateLimited {
			r.health.Throttle(c.Name(), r.cfg.RateLimitCooldown)
		}
		attempts = append(attempts, Attempt{Backend: c.Name(), Kind: kind, Err: err})
		r.metrics.RecordFallback(c.Name(), kind.String())
		logger.Warn("backend failed, trying next candidate", "backend", c.Name(), "kind", kind.String(), "error", err)
	}

	exhausted := &ExhaustedError{Attempts: attempts}
	r.metrics.RecordExhausted(string(policy), string(req.Modality))
	logger.Error("all candidate backends failed", "error", exhausted)
	span.RecordError(exhausted)
	return nil, exhausted
}
