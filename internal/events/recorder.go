package events

import (
	"context"
	"fmt"

	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
)

// WebhookRecorder turns conversation events into one outbox row per
// subscribed tenant webhook.
type WebhookRecorder struct {
	outbox   Outbox
	webhooks tenancy.WebhookSource
}

var _ conversation.EventSink = (*WebhookRecorder)(nil)

func NewWebhookRecorder(outbox Outbox, webhooks tenancy.WebhookSource) *WebhookRecorder {
	if outbox == nil || webhooks == nil {
		panic("events: outbox and webhook source required")
	}
	return &WebhookRecorder{outbox: outbox, webhooks: webhooks}
}

// Emit implements conversation.EventSink.
func (r *WebhookRecorder) Emit(ctx context.Context, ev conversation.Event) error {
	tenantID := ev.Conversation.TenantID
	hooks, err := r.webhooks.Webhooks(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("events: list webhooks: %w", err)
	}
	var env *Envelope
	for _, hook := range hooks {
		if !hook.Wants(ev.Type) {
			continue
		}
		if env == nil {
			e, err := newEnvelope(ev)
			if err != nil {
				return err
			}
			env = &e
		}
		if _, err := r.outbox.Insert(ctx, tenantID, hook.ID, ev.Type, env); err != nil {
			return err
		}
	}
	return nil
}
