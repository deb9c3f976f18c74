package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/wolfman30/comchat-platform/internal/routing"
)

// PostgresDirectory reads tenants and webhook subscriptions from Postgres.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	if db == nil {
		panic("tenancy: db cannot be nil")
	}
	return &PostgresDirectory{db: db}
}

// BySlug implements Directory. Inactive tenants are reported as not found.
func (d *PostgresDirectory) BySlug(ctx context.Context, slug string) (*Tenant, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, ErrTenantNotFound
	}
	var (
		t       Tenant
		policy  string
		reopen  string
		prompt  sql.NullString
		waToken sql.NullString
		waPhone sql.NullString
		tgToken sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, slug, name, routing_policy, context_messages, reopen_mode, system_prompt,
		       enabled_channels, is_active, whatsapp_access_token, whatsapp_phone_number_id, telegram_bot_token
		FROM tenants
		WHERE slug = $1`, slug).Scan(
		&t.ID, &t.Slug, &t.Name, &policy, &t.ContextMessages, &reopen, &prompt,
		pq.Array(&t.EnabledChannels), &t.Active, &waToken, &waPhone, &tgToken,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenancy: get tenant %s: %w", slug, err)
	}
	if !t.Active {
		return nil, ErrTenantNotFound
	}
	t.Policy = routing.Policy(policy)
	t.ReopenMode = ReopenMode(reopen)
	t.SystemPrompt = prompt.String
	t.Credentials = Credentials{
		WhatsAppAccessToken:   waToken.String,
		WhatsAppPhoneNumberID: waPhone.String,
		TelegramBotToken:      tgToken.String,
	}
	t.Normalize()
	return &t, nil
}

// Webhooks implements WebhookSource.
func (d *PostgresDirectory) Webhooks(ctx context.Context, tenantID string) ([]Webhook, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, tenant_id, url, secret, events
		FROM tenant_webhooks
		WHERE tenant_id = $1 AND is_active = TRUE
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenancy: list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.TenantID, &w.URL, &w.Secret, pq.Array(&w.Events)); err != nil {
			return nil, fmt.Errorf("tenancy: scan webhook: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy: list webhooks: %w", err)
	}
	return out, nil
}
