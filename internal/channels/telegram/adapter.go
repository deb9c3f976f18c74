// Package telegram adapts the Telegram Bot API to the conversation pipeline.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/comchat-platform/internal/channels"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// ReplyTo keys set on inbound messages.
const (
	ReplyToChatID    = "chat_id"
	ReplyToMessageID = "message_id"
)

const maxWebhookBody = 1 << 20

// MediaScheme prefixes media references stored for Telegram messages.
const MediaScheme = "telegram"

const fileRefPrefix = "file/"

// MediaRef is the stored form of an attachment: the file id without the
// bot token a download URL would carry.
func MediaRef(fileID string) string {
	return MediaScheme + ":" + fileRefPrefix + fileID
}

// Config holds the service-wide bot settings. Tenants may bring their own bot token.
type Config struct {
	BotToken      string
	WebhookSecret string
}

// Adapter receives Telegram webhooks and replies with sendMessage.
type Adapter struct {
	cfg     Config
	client  *Client
	tenants tenancy.Directory
	intake  *channels.Intake
	logger  *logging.Logger
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(cfg Config, tenants tenancy.Directory, intake *channels.Intake, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Adapter{
		cfg:     cfg,
		client:  NewClient(cfg.BotToken),
		tenants: tenants,
		intake:  intake,
		logger:  logger,
	}
}

// Client returns the service-wide Bot API client.
func (a *Adapter) Client() *Client { return a.client }

// Channel implements channels.Deliverer.
func (a *Adapter) Channel() conversation.Channel { return conversation.ChannelTelegram }

// Routes mounts the webhook on POST /{slug}.
func (a *Adapter) Routes(r chi.Router) {
	r.Post("/{slug}", a.HandleWebhook)
}

// HandleWebhook handles one Bot API update for the tenant in the URL.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	slug := chi.URLParam(r, "slug")
	tenant, err := a.tenants.BySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, tenancy.ErrTenantNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		a.logger.Error("telegram: tenant lookup failed", "tenant", slug, "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	var update Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&update); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !tenant.ChannelEnabled(string(conversation.ChannelTelegram)) {
		a.logger.Info("telegram: channel disabled, dropping update", "tenant", slug)
		w.WriteHeader(http.StatusOK)
		return
	}

	in, ok := a.normalize(tenant, update)
	if ok {
		if _, err := a.intake.Accept(r.Context(), in); err != nil {
			a.logger.Error("telegram: failed to accept update", "tenant", slug, "error", err)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) authorized(r *http.Request) bool {
	if a.cfg.WebhookSecret == "" {
		return false
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.WebhookSecret)) == 1
}

func (a *Adapter) normalize(tenant *tenancy.Tenant, update Update) (conversation.InboundMessage, bool) {
	msg := update.Message
	if msg == nil || (msg.From != nil && msg.From.IsBot) {
		return conversation.InboundMessage{}, false
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	in := conversation.InboundMessage{
		TenantSlug:       tenant.Slug,
		Channel:          conversation.ChannelTelegram,
		ExternalUserID:   chatID,
		Text:             msg.Text,
		ChannelMessageID: strconv.FormatInt(update.UpdateID, 10),
		ReplyTo: map[string]string{
			ReplyToChatID:    chatID,
			ReplyToMessageID: strconv.FormatInt(msg.MessageID, 10),
		},
	}
	if in.Text == "" {
		in.Text = msg.Caption
	}

	if fileID, mimeType := mediaOf(msg); fileID != "" {
		in.MediaURL = MediaRef(fileID)
		in.MediaType = mimeType
	}

	if in.Validate() != nil {
		return in, false
	}
	return in, true
}

// mediaOf picks the largest photo, or the attached document.
func mediaOf(msg *Message) (fileID, mimeType string) {
	if n := len(msg.Photo); n > 0 {
		return msg.Photo[n-1].FileID, "image/jpeg"
	}
	if msg.Document != nil {
		mimeType = msg.Document.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return msg.Document.FileID, mimeType
	}
	return "", ""
}

// ResolveMedia implements backend.MediaResolver for file references. The
// returned URL embeds the tenant's bot token and must not be stored.
func (a *Adapter) ResolveMedia(ctx context.Context, tenantSlug, ref string) (string, string, error) {
	fileID, ok := strings.CutPrefix(ref, fileRefPrefix)
	if !ok || fileID == "" {
		return "", "", fmt.Errorf("telegram: malformed media reference %q", ref)
	}
	tenant, err := a.tenants.BySlug(ctx, tenantSlug)
	if err != nil {
		return "", "", err
	}
	fileURL, err := a.clientFor(tenant).FileURL(ctx, fileID)
	if err != nil {
		return "", "", err
	}
	return fileURL, "", nil
}

// Deliver implements channels.Deliverer.
func (a *Adapter) Deliver(ctx context.Context, tenant *tenancy.Tenant, in conversation.InboundMessage, out *conversation.OutboundMessage) error {
	chatID := in.ReplyTo[ReplyToChatID]
	if strings.TrimSpace(chatID) == "" {
		chatID = in.ExternalUserID
	}
	req := SendMessageRequest{ChatID: chatID, Text: out.Text}
	if id, err := strconv.ParseInt(in.ReplyTo[ReplyToMessageID], 10, 64); err == nil {
		req.ReplyToMessageID = id
	}
	if err := a.clientFor(tenant).SendMessage(ctx, req); err != nil {
		a.logger.Error("telegram: failed to send message", "tenant", tenant.Slug, "chat_id", chatID, "error", err)
		return err
	}
	return nil
}

func (a *Adapter) clientFor(tenant *tenancy.Tenant) *Client {
	return a.client.WithToken(tenant.Credentials.TelegramBotToken)
}
