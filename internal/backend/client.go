package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/comchat-platform/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout applies when neither the request nor the descriptor sets one.
const DefaultTimeout = 20 * time.Second

// ErrProbeUnsupported is returned by Probe when the provider has no liveness check.
var ErrProbeUnsupported = errors.New("backend: probe not supported")

// Outcome is one observed call, fed to the health monitor.
type Outcome struct {
	Kind    Kind // zero on success
	Latency time.Duration
	At      time.Time
}

// Success reports whether the call succeeded.
func (o Outcome) Success() bool { return o.Kind == 0 }

// Reporter receives call outcomes. Implementations must not block.
type Reporter interface {
	Report(backend string, outcome Outcome)
}

// GenerateRequest is a single model invocation.
type GenerateRequest struct {
	System      []string
	Context     []Turn
	Input       Turn
	Modality    Modality
	Timeout     time.Duration
	MaxTokens   int32
	Temperature float32
}

// Result is a successful invocation.
type Result struct {
	Text       string
	Backend    string
	Latency    time.Duration
	Usage      TokenUsage
	StopReason string
}

// LatencyMs returns the latency in whole milliseconds.
func (r Result) LatencyMs() int64 { return r.Latency.Milliseconds() }

// Client invokes one configured backend with a hard timeout and reports
// every outcome to the health monitor.
type Client struct {
	desc     Descriptor
	provider Provider
	reporter Reporter
	timeout  time.Duration
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithReporter sets the outcome sink.
func WithReporter(r Reporter) ClientOption {
	return func(c *Client) { c.reporter = r }
}

// WithDefaultTimeout sets the timeout used when neither request nor descriptor sets one.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient wraps a provider with the descriptor's contract.
func NewClient(desc Descriptor, provider Provider, opts ...ClientOption) *Client {
	if provider == nil {
		panic("backend: provider cannot be nil")
	}
	c := &Client{
		desc:     desc,
		provider: provider,
		timeout:  DefaultTimeout,
		logger:   logging.Default(),
		tracer:   otel.Tracer("comchat.internal.backend"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Descriptor returns the backend configuration.
func (c *Client) Descriptor() Descriptor { return c.desc }

// Name returns the backend name.
func (c *Client) Name() string { return c.desc.Name }

// Timeout is the per-call limit used when a request does not set its own.
func (c *Client) Timeout() time.Duration {
	if c.desc.Timeout > 0 {
		return c.desc.Timeout
	}
	return c.timeout
}

// Generate runs one call. It never retries.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	modality := req.Modality
	if modality == "" {
		modality = ModalityText
	}
	if !c.desc.Supports(modality) {
		return Result{}, &Error{
			Backend: c.desc.Name,
			Kind:    KindInvalidRequest,
			Err:     fmt.Errorf("modality %s not supported", modality),
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.Timeout()
	}

	ctx, span := c.tracer.Start(ctx, "backend.generate", trace.WithAttributes(
		attribute.String("comchat.backend.name", c.desc.Name),
		attribute.String("comchat.backend.provider", c.desc.Provider),
		attribute.String("comchat.backend.modality", string(modality)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	turns := make([]Turn, 0, len(req.Context)+1)
	for _, t := range req.Context {
		t.Image = nil
		turns = append(turns, t)
	}
	input := req.Input
	input.Role = RoleUser
	if modality != ModalityImage {
		input.Image = nil
	}
	turns = append(turns, input)

	start := c.now()
	completion, err := c.provider.Generate(callCtx, Request{
		Model:       c.desc.Model,
		System:      req.System,
		Turns:       turns,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	latency := c.now().Sub(start)

	if err == nil && strings.TrimSpace(completion.Text) == "" {
		err = Failure(KindUnavailable, errors.New("empty completion"))
	}
	if err != nil {
		be := c.classify(ctx, callCtx, err)
		span.RecordError(be)
		span.SetStatus(codes.Error, be.Kind.String())
		if ctx.Err() == nil {
			c.report(be.Kind, latency)
		}
		c.logger.Debug("backend call failed",
			"backend", c.desc.Name,
			"kind", be.Kind.String(),
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		return Result{}, be
	}

	c.report(0, latency)
	span.SetAttributes(
		attribute.Int64("comchat.backend.latency_ms", latency.Milliseconds()),
		attribute.Int("comchat.backend.input_tokens", int(completion.Usage.InputTokens)),
		attribute.Int("comchat.backend.output_tokens", int(completion.Usage.OutputTokens)),
	)
	return Result{
		Text:       strings.TrimSpace(completion.Text),
		Backend:    c.desc.Name,
		Latency:    latency,
		Usage:      completion.Usage,
		StopReason: completion.StopReason,
	}, nil
}

// Probe runs the provider's liveness check and reports the outcome.
func (c *Client) Probe(ctx context.Context) error {
	prober, ok := c.provider.(Prober)
	if !ok {
		return ErrProbeUnsupported
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := c.now()
	err := prober.Probe(probeCtx, c.desc.Model)
	latency := c.now().Sub(start)
	if err != nil {
		be := c.classify(ctx, probeCtx, err)
		if ctx.Err() == nil {
			c.report(be.Kind, latency)
		}
		return be
	}
	c.report(0, latency)
	return nil
}

// SupportsProbe reports whether Probe can do anything.
func (c *Client) SupportsProbe() bool {
	_, ok := c.provider.(Prober)
	return ok
}

func (c *Client) classify(parent, call context.Context, err error) *Error {
	kind := KindOf(err)
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	var inner *Error
	if errors.As(err, &inner) && inner.Err != nil {
		err = inner.Err
	}
	return &Error{Backend: c.desc.Name, Kind: kind, Err: err}
}

func (c *Client) report(kind Kind, latency time.Duration) {
	if c.reporter == nil || kind == KindInvalidRequest {
		return
	}
	c.reporter.Report(c.desc.Name, Outcome{Kind: kind, Latency: latency, At: c.now()})
}
