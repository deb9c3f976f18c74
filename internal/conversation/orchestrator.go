package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/internal/observability/metrics"
	"github.com/wolfman30/comchat-platform/internal/routing"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidMessage is returned for inbound messages missing required fields.
	ErrInvalidMessage = errors.New("conversation: invalid inbound message")
	// ErrChannelDisabled is returned when the tenant has switched the channel off.
	ErrChannelDisabled = errors.New("conversation: channel disabled for tenant")
)

// DefaultFallbackReply is sent when no backend produced a reply.
const DefaultFallbackReply = "I'm having trouble responding right now, please try again"

// Generator produces a model reply with fallback across backends.
type Generator interface {
	Route(ctx context.Context, req routing.Request) (*routing.Result, error)
}

// Budgeter is implemented by generators that know how long a Route call can
// take for a policy and modality.
type Budgeter interface {
	Budget(policy routing.Policy, modality backend.Modality) time.Duration
}

// generationSlack is added to a generator's budget for routing overhead.
const generationSlack = 2 * time.Second

// Config tunes the orchestrator.
type Config struct {
	BaseSystemPrompt string
	FallbackReply    string
	Window           Window
	MaxTokens        int32
	Temperature      float32
	// StoreTimeout bounds each store call. The reply is always saved on a
	// fresh deadline, whatever generation used up.
	StoreTimeout time.Duration
	// GenerationTimeout bounds routing when the generator reports no budget.
	GenerationTimeout time.Duration
	// MediaTimeout bounds downloading an inbound image.
	MediaTimeout time.Duration
	// IdleAfter closes conversations with no activity for this long.
	IdleAfter time.Duration
	// SummarizeOnClose asks a backend for a summary of each idle-closed
	// conversation before it is archived.
	SummarizeOnClose bool
	// DefaultReopenMode applies to tenants that do not set one.
	DefaultReopenMode tenancy.ReopenMode
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.FallbackReply) == "" {
		c.FallbackReply = DefaultFallbackReply
	}
	if c.Window.MaxMessages <= 0 {
		c.Window.MaxMessages = 10
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 65 * time.Second
	}
	if c.MediaTimeout <= 0 {
		c.MediaTimeout = 15 * time.Second
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 30 * time.Minute
	}
	if c.DefaultReopenMode == "" {
		c.DefaultReopenMode = tenancy.ReopenNew
	}
	return c
}

// Orchestrator turns one inbound message into one persisted, outbound reply.
type Orchestrator struct {
	tenants tenancy.Directory
	store   Store
	router  Generator
	cfg     Config
	locks   *KeyedMutex
	media   backend.MediaFetcher
	events  EventSink
	metrics *metrics.ConversationMetrics
	logger  *logging.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMediaFetcher enables inlining inbound images into model calls.
func WithMediaFetcher(f backend.MediaFetcher) Option {
	return func(o *Orchestrator) { o.media = f }
}

// WithEventSink publishes conversation lifecycle events.
func WithEventSink(s EventSink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.events = s
		}
	}
}

// WithMetrics records handled messages and idle closes.
func WithMetrics(m *metrics.ConversationMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLocks shares a keyed mutex between orchestrators in one process.
func WithLocks(m *KeyedMutex) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.locks = m
		}
	}
}

func NewOrchestrator(tenants tenancy.Directory, store Store, router Generator, cfg Config, opts ...Option) *Orchestrator {
	if tenants == nil || store == nil || router == nil {
		panic("conversation: tenants, store and router are required")
	}
	o := &Orchestrator{
		tenants: tenants,
		store:   store,
		router:  router,
		cfg:     cfg.withDefaults(),
		locks:   NewKeyedMutex(),
		events:  nopSink{},
		logger:  logging.Default(),
		tracer:  otel.Tracer("comchat.internal.conversation"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate checks the fields every inbound message must carry.
func (in InboundMessage) Validate() error {
	switch {
	case strings.TrimSpace(in.TenantSlug) == "":
		return fmt.Errorf("%w: tenant slug required", ErrInvalidMessage)
	case !in.Channel.Valid():
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidMessage, in.Channel)
	case strings.TrimSpace(in.ExternalUserID) == "":
		return fmt.Errorf("%w: external user id required", ErrInvalidMessage)
	case strings.TrimSpace(in.Text) == "" && in.Media() == nil:
		return fmt.Errorf("%w: text or media required", ErrInvalidMessage)
	}
	return nil
}

// Handle processes one inbound message. It returns ErrStoreFailure when the
// exchange could not be recorded; backend failures never surface and
// produce the fallback reply instead.
//
// A message whose channel id was already recorded is not stored twice: if it
// was answered the recorded reply is returned, if it is the latest message
// generation resumes, and if later messages followed it ErrDuplicateMessage
// is returned.
func (o *Orchestrator) Handle(ctx context.Context, in InboundMessage) (*OutboundMessage, error) {
	start := o.now()
	if err := in.Validate(); err != nil {
		o.metrics.ObserveHandled(string(in.Channel), "invalid", 0)
		return nil, err
	}

	tenant, err := o.tenants.BySlug(ctx, in.TenantSlug)
	if err != nil {
		if errors.Is(err, tenancy.ErrTenantNotFound) {
			o.metrics.ObserveHandled(string(in.Channel), "unknown_tenant", 0)
			return nil, err
		}
		o.metrics.ObserveHandled(string(in.Channel), "store_failure", 0)
		return nil, fmt.Errorf("%w: resolve tenant: %v", ErrStoreFailure, err)
	}
	if !tenant.ChannelEnabled(string(in.Channel)) {
		o.metrics.ObserveHandled(string(in.Channel), "channel_disabled", 0)
		return nil, ErrChannelDisabled
	}

	key := Key{TenantID: tenant.ID, Channel: in.Channel, ExternalUserID: in.ExternalUserID}
	ctx, span := o.tracer.Start(ctx, "conversation.handle", trace.WithAttributes(
		attribute.String("comchat.tenant", tenant.Slug),
		attribute.String("comchat.channel", string(in.Channel)),
	))
	defer span.End()

	unlock, err := o.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("conversation: acquire lock: %w", err)
	}
	defer unlock()

	// The caller may go away; the exchange is still recorded.
	out, err := o.handleLocked(context.WithoutCancel(ctx), tenant, key, in)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrDuplicateMessage):
		outcome = "duplicate"
	case err != nil:
		outcome = "store_failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	case out.Fallback:
		outcome = "fallback"
	case out.Replayed:
		outcome = "replayed"
	}
	o.metrics.ObserveHandled(string(in.Channel), outcome, o.now().Sub(start))
	return out, err
}

func (o *Orchestrator) handleLocked(ctx context.Context, tenant *tenancy.Tenant, key Key, in InboundMessage) (*OutboundMessage, error) {
	logger := o.logger.With("tenant", tenant.Slug, "channel", string(in.Channel))

	mode := tenant.ReopenMode
	if mode == "" {
		mode = o.cfg.DefaultReopenMode
	}
	sctx, cancel := o.storeContext(ctx)
	conv, created, err := o.store.ResolveOrCreate(sctx, key, mode)
	cancel()
	if err != nil {
		logger.Error("failed to resolve conversation", "error", err)
		return nil, fmt.Errorf("%w: resolve conversation: %v", ErrStoreFailure, err)
	}
	logger = logger.With("conversation_id", conv.ID)
	if created {
		o.emit(ctx, logger, Event{Type: EventConversationStarted, Tenant: tenant, Conversation: *conv})
	}

	window := o.window(tenant)
	sctx, cancel = o.storeContext(ctx)
	history, err := o.store.History(sctx, conv.ID, window.MaxMessages)
	cancel()
	if err != nil {
		logger.Error("failed to load history", "error", err)
		return nil, fmt.Errorf("%w: load history: %v", ErrStoreFailure, err)
	}

	inbound, next, err := o.recorded(ctx, conv.ID, in)
	switch {
	case err != nil:
		logger.Error("failed to look up inbound message", "error", err)
		return nil, fmt.Errorf("%w: find inbound: %v", ErrStoreFailure, err)
	case next != nil && next.Role == RoleAssistant:
		logger.Info("message already answered, returning recorded reply", "channel_message_id", in.ChannelMessageID)
		out := outbound(conv.ID, *next)
		out.Replayed = true
		return out, nil
	case next != nil:
		logger.Info("message superseded by later messages, not answering", "channel_message_id", in.ChannelMessageID)
		return nil, ErrDuplicateMessage
	case inbound != nil:
		logger.Info("resuming unanswered message", "channel_message_id", in.ChannelMessageID, "seq", inbound.Seq)
		history = before(history, inbound.Seq)
	default:
		sctx, cancel = o.storeContext(ctx)
		saved, err := o.store.Append(sctx, conv.ID, Message{
			Role:             RoleUser,
			Text:             in.Text,
			Media:            in.Media(),
			ChannelMessageID: in.ChannelMessageID,
		})
		cancel()
		if err != nil {
			logger.Error("failed to append inbound message", "error", err)
			return nil, fmt.Errorf("%w: append inbound: %v", ErrStoreFailure, err)
		}
		o.emit(ctx, logger, Event{Type: EventMessageReceived, Tenant: tenant, Conversation: *conv, Message: &saved})
	}

	req := routing.Request{
		Tenant:      tenant.Slug,
		Policy:      tenant.Policy,
		Modality:    backend.ModalityText,
		System:      o.systemPrompt(tenant),
		Context:     window.Build(history),
		Input:       backend.Turn{Role: backend.RoleUser, Text: in.Text},
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}
	if media := in.Media(); media != nil {
		o.attachMedia(ctx, logger, &req, in, media)
	}

	reply := Message{Role: RoleAssistant}
	gctx, cancel := context.WithTimeout(ctx, o.generationTimeout(req))
	res, err := o.router.Route(gctx, req)
	cancel()
	if err != nil {
		logger.Warn("routing failed, sending fallback reply", "error", err)
		reply.Text = o.cfg.FallbackReply
		reply.Backend = FallbackBackend
		reply.Fallback = true
	} else {
		reply.Text = res.Text
		reply.Backend = res.Backend
		reply.LatencyMs = res.LatencyMs()
		reply.InputTokens = res.Usage.InputTokens
		reply.OutputTokens = res.Usage.OutputTokens
	}

	sctx, cancel = o.storeContext(ctx)
	saved, err := o.store.Append(sctx, conv.ID, reply)
	cancel()
	if err != nil {
		logger.Error("failed to append reply", "error", err, "backend", reply.Backend)
		return nil, fmt.Errorf("%w: append reply: %v", ErrStoreFailure, err)
	}
	o.emit(ctx, logger, Event{Type: EventMessageSent, Tenant: tenant, Conversation: *conv, Message: &saved})

	return outbound(conv.ID, saved), nil
}

// recorded looks up an inbound message redelivered by its channel. It
// returns the stored user message and, when present, the message after it.
func (o *Orchestrator) recorded(ctx context.Context, conversationID string, in InboundMessage) (*Message, *Message, error) {
	if in.ChannelMessageID == "" {
		return nil, nil, nil
	}
	sctx, cancel := o.storeContext(ctx)
	defer cancel()
	msg, next, err := o.store.FindInbound(sctx, conversationID, in.ChannelMessageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &msg, next, nil
}

func (o *Orchestrator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.StoreTimeout)
}

func (o *Orchestrator) generationTimeout(req routing.Request) time.Duration {
	if b, ok := o.router.(Budgeter); ok {
		if d := b.Budget(req.Policy, req.Modality); d > 0 {
			return d + generationSlack
		}
	}
	return o.cfg.GenerationTimeout
}

func outbound(conversationID string, m Message) *OutboundMessage {
	return &OutboundMessage{
		ConversationID: conversationID,
		MessageID:      m.ID,
		Seq:            m.Seq,
		Text:           m.Text,
		BackendUsed:    m.Backend,
		LatencyMs:      m.LatencyMs,
		Fallback:       m.Fallback,
	}
}

// before drops messages at or after seq.
func before(history []Message, seq int64) []Message {
	out := history[:0:0]
	for _, m := range history {
		if m.Seq < seq {
			out = append(out, m)
		}
	}
	return out
}

// attachMedia switches the request to image modality when the attachment is
// an image that could be downloaded. Anything else is described in text.
func (o *Orchestrator) attachMedia(ctx context.Context, logger *logging.Logger, req *routing.Request, in InboundMessage, media *Media) {
	if !media.IsImage() {
		req.Input.Text = joinNonEmpty(attachmentPlaceholder, req.Input.Text)
		return
	}
	req.Modality = backend.ModalityImage
	if o.media == nil {
		// Routed as an image request, but the model only sees the placeholder.
		req.Input.Text = joinNonEmpty(imagePlaceholder, req.Input.Text)
		return
	}
	fctx, cancel := context.WithTimeout(ctx, o.cfg.MediaTimeout)
	defer cancel()
	img, err := o.media.Fetch(fctx, backend.MediaRequest{
		Tenant:   in.TenantSlug,
		Channel:  string(in.Channel),
		URL:      media.URL,
		MIMEType: media.MIMEType,
	})
	if err != nil {
		logger.Warn("failed to fetch inbound media, answering from text", "error", err)
		req.Modality = backend.ModalityText
		req.Input.Text = joinNonEmpty(imagePlaceholder, req.Input.Text)
		return
	}
	req.Input.Image = img
}

func (o *Orchestrator) window(t *tenancy.Tenant) Window {
	w := o.cfg.Window
	if t.ContextMessages > 0 {
		w.MaxMessages = t.ContextMessages
	}
	return w
}

func (o *Orchestrator) systemPrompt(t *tenancy.Tenant) []string {
	var parts []string
	if p := strings.TrimSpace(o.cfg.BaseSystemPrompt); p != "" {
		parts = append(parts, p)
	}
	if p := strings.TrimSpace(t.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	return parts
}

func (o *Orchestrator) emit(ctx context.Context, logger *logging.Logger, ev Event) {
	if ev.At.IsZero() {
		ev.At = o.now().UTC()
	}
	ctx, cancel := o.storeContext(ctx)
	defer cancel()
	if err := o.events.Emit(ctx, ev); err != nil {
		logger.Warn("failed to record conversation event", "event", ev.Type, "error", err)
	}
}

func joinNonEmpty(prefix, text string) string {
	if strings.TrimSpace(text) == "" {
		return prefix
	}
	return prefix + " " + text
}
