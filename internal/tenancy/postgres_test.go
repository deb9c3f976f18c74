package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/comchat-platform/internal/routing"
)

var tenantColumns = []string{
	"id", "slug", "name", "routing_policy", "context_messages", "reopen_mode", "system_prompt",
	"enabled_channels", "is_active", "whatsapp_access_token", "whatsapp_phone_number_id", "telegram_bot_token",
}

func TestPostgresDirectoryBySlug(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM tenants").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows(tenantColumns).AddRow(
			"11111111-1111-1111-1111-111111111111", "demo", "Demo Co", "prefer-local", 6, "same", "Be brief.",
			"{web,whatsapp}", true, "wa-token", "12345", nil,
		))

	dir := NewPostgresDirectory(db)
	tenant, err := dir.BySlug(context.Background(), " Demo ")
	require.NoError(t, err)
	assert.Equal(t, "Demo Co", tenant.Name)
	assert.Equal(t, routing.PolicyPreferLocal, tenant.Policy)
	assert.Equal(t, ReopenSame, tenant.ReopenMode)
	assert.Equal(t, 6, tenant.ContextMessages)
	assert.Equal(t, []string{"web", "whatsapp"}, tenant.EnabledChannels)
	assert.True(t, tenant.ChannelEnabled("whatsapp"))
	assert.False(t, tenant.ChannelEnabled("telegram"))
	assert.Equal(t, "wa-token", tenant.Credentials.WhatsAppAccessToken)
	assert.Empty(t, tenant.Credentials.TelegramBotToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectoryNotFoundAndInactive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewPostgresDirectory(db)

	mock.ExpectQuery("FROM tenants").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	_, err = dir.BySlug(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	mock.ExpectQuery("FROM tenants").
		WithArgs("paused").
		WillReturnRows(sqlmock.NewRows(tenantColumns).AddRow(
			"2", "paused", "Paused", "cloud-only", 0, "new", nil, "{}", false, nil, nil, nil,
		))
	_, err = dir.BySlug(context.Background(), "paused")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = dir.BySlug(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectoryQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM tenants").WillReturnError(errors.New("connection reset"))
	_, err = NewPostgresDirectory(db).BySlug(context.Background(), "demo")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTenantNotFound)
}

func TestPostgresDirectoryWebhooks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM tenant_webhooks").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "url", "secret", "events"}).
			AddRow("w1", "tenant-1", "https://hooks.example.com/a", "s3cret", "{message.sent,conversation.started}").
			AddRow("w2", "tenant-1", "https://hooks.example.com/b", "other", "{}"))

	hooks, err := NewPostgresDirectory(db).Webhooks(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, hooks, 2)
	assert.True(t, hooks[0].Wants("message.sent"))
	assert.False(t, hooks[0].Wants("message.received"))
	assert.True(t, hooks[1].Wants("anything"))
	require.NoError(t, mock.ExpectationsWereMet())
}
