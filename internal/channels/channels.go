// Package channels connects messaging channels to the conversation pipeline.
//
// Each adapter normalizes its wire format into conversation.InboundMessage and
// implements Deliverer to send replies back. Webhook channels hand messages to
// an Intake, which drops redeliveries and enqueues the rest for async handling.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/observability/metrics"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// ErrNoDeliverer is returned when no adapter is registered for a channel.
var ErrNoDeliverer = errors.New("channels: no deliverer for channel")

// Deliverer sends a reply through one channel.
type Deliverer interface {
	Channel() conversation.Channel
	Deliver(ctx context.Context, tenant *tenancy.Tenant, in conversation.InboundMessage, out *conversation.OutboundMessage) error
}

// Registry routes replies to the adapter of the originating channel.
type Registry struct {
	tenants tenancy.Directory
	metrics *metrics.ChannelMetrics
	logger  *logging.Logger

	mu         sync.RWMutex
	deliverers map[conversation.Channel]Deliverer
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(tenants tenancy.Directory, m *metrics.ChannelMetrics, logger *logging.Logger) *Registry {
	if tenants == nil {
		panic("channels: tenant directory cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		tenants:    tenants,
		metrics:    m,
		logger:     logger,
		deliverers: make(map[conversation.Channel]Deliverer),
	}
}

// Register adds d, replacing any adapter for the same channel.
func (r *Registry) Register(d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverers[d.Channel()] = d
}

// Deliver sends out to the user that sent in.
func (r *Registry) Deliver(ctx context.Context, in conversation.InboundMessage, out *conversation.OutboundMessage) error {
	if out == nil {
		return errors.New("channels: nothing to deliver")
	}
	r.mu.RLock()
	d, ok := r.deliverers[in.Channel]
	r.mu.RUnlock()
	if !ok {
		r.observe(in.Channel, "unsupported")
		return fmt.Errorf("%w: %s", ErrNoDeliverer, in.Channel)
	}

	tenant, err := r.tenants.BySlug(ctx, in.TenantSlug)
	if err != nil {
		r.observe(in.Channel, "error")
		return fmt.Errorf("channels: resolve tenant %q: %w", in.TenantSlug, err)
	}

	if err := d.Deliver(ctx, tenant, in, out); err != nil {
		r.observe(in.Channel, "error")
		return err
	}
	r.observe(in.Channel, "sent")
	r.logger.Debug("reply delivered",
		"tenant", in.TenantSlug,
		"channel", string(in.Channel),
		"conversation_id", out.ConversationID,
	)
	return nil
}

func (r *Registry) observe(channel conversation.Channel, status string) {
	r.metrics.ObserveOutbound(string(channel), status)
}
