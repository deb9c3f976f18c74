package tenancy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// StaticDirectory serves tenants from memory, for development and demos.
type StaticDirectory struct {
	tenants  map[string]*Tenant
	webhooks map[string][]Webhook
}

// NewStaticDirectory indexes tenants by slug.
func NewStaticDirectory(tenants ...Tenant) *StaticDirectory {
	d := &StaticDirectory{tenants: make(map[string]*Tenant), webhooks: make(map[string][]Webhook)}
	for i := range tenants {
		t := tenants[i]
		t.Normalize()
		if t.ID == "" {
			t.ID = t.Slug
		}
		d.tenants[strings.ToLower(t.Slug)] = &t
	}
	return d
}

// ParseStaticTenants decodes a JSON array of tenants.
func ParseStaticTenants(raw string) (*StaticDirectory, error) {
	var tenants []Tenant
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &tenants); err != nil {
			return nil, fmt.Errorf("tenancy: parse static tenants: %w", err)
		}
	}
	return NewStaticDirectory(tenants...), nil
}

// AddWebhook registers a subscription, for tests and demos.
func (d *StaticDirectory) AddWebhook(w Webhook) {
	d.webhooks[w.TenantID] = append(d.webhooks[w.TenantID], w)
}

// BySlug implements Directory.
func (d *StaticDirectory) BySlug(_ context.Context, slug string) (*Tenant, error) {
	t, ok := d.tenants[strings.ToLower(strings.TrimSpace(slug))]
	if !ok || !t.Active {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

// Webhooks implements WebhookSource.
func (d *StaticDirectory) Webhooks(_ context.Context, tenantID string) ([]Webhook, error) {
	return append([]Webhook(nil), d.webhooks[tenantID]...), nil
}
