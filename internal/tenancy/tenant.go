// Package tenancy resolves the tenants whose chatbots this service runs.
package tenancy

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfman30/comchat-platform/internal/routing"
)

// ErrTenantNotFound is returned for unknown or inactive tenants.
var ErrTenantNotFound = errors.New("tenancy: tenant not found")

// ReopenMode decides what a new message does after a conversation was idle-closed.
type ReopenMode string

const (
	// ReopenNew starts a fresh conversation row.
	ReopenNew ReopenMode = "new"
	// ReopenSame reactivates the most recent closed conversation.
	ReopenSame ReopenMode = "same"
)

// ParseReopenMode falls back to ReopenNew for anything unrecognised.
func ParseReopenMode(s string) ReopenMode {
	if ReopenMode(strings.ToLower(strings.TrimSpace(s))) == ReopenSame {
		return ReopenSame
	}
	return ReopenNew
}

// Credentials are per-tenant channel secrets. Empty fields fall back to
// the service-wide configuration.
type Credentials struct {
	WhatsAppAccessToken   string `json:"whatsapp_access_token,omitempty"`
	WhatsAppPhoneNumberID string `json:"whatsapp_phone_number_id,omitempty"`
	TelegramBotToken      string `json:"telegram_bot_token,omitempty"`
}

// Tenant is read-only configuration for one customer.
type Tenant struct {
	ID              string         `json:"id"`
	Slug            string         `json:"slug"`
	Name            string         `json:"name"`
	Policy          routing.Policy `json:"routing_policy"`
	ContextMessages int            `json:"context_messages,omitempty"`
	ReopenMode      ReopenMode     `json:"reopen_mode"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	EnabledChannels []string       `json:"enabled_channels,omitempty"`
	Active          bool           `json:"active"`
	Credentials     Credentials    `json:"credentials,omitempty"`
}

// ChannelEnabled reports whether the tenant accepts traffic on channel.
// An empty list enables every channel.
func (t *Tenant) ChannelEnabled(channel string) bool {
	if len(t.EnabledChannels) == 0 {
		return true
	}
	for _, c := range t.EnabledChannels {
		if strings.EqualFold(c, channel) {
			return true
		}
	}
	return false
}

// Normalize fills defaults for unset fields.
func (t *Tenant) Normalize() {
	if !t.Policy.Valid() {
		t.Policy = routing.DefaultPolicy
	}
	t.ReopenMode = ParseReopenMode(string(t.ReopenMode))
	if t.ContextMessages < 0 {
		t.ContextMessages = 0
	}
}

// Directory looks tenants up by slug.
type Directory interface {
	BySlug(ctx context.Context, slug string) (*Tenant, error)
}

// Webhook is a tenant's subscription to conversation events.
type Webhook struct {
	ID       string
	TenantID string
	URL      string
	Secret   string
	Events   []string
}

// Wants reports whether the subscription covers eventType. No events means all.
func (w Webhook) Wants(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// WebhookSource lists active webhook subscriptions of a tenant.
type WebhookSource interface {
	Webhooks(ctx context.Context, tenantID string) ([]Webhook, error)
}
