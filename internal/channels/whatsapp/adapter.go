// Package whatsapp adapts the WhatsApp Cloud API to the conversation pipeline.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/comchat-platform/internal/channels"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// ReplyToPhoneNumberID is the ReplyTo key holding the business number that received the message.
const ReplyToPhoneNumberID = "phone_number_id"

const maxWebhookBody = 1 << 20

// MediaScheme prefixes media references stored for WhatsApp messages.
const MediaScheme = "whatsapp"

const mediaRefPrefix = "media/"

// StoredMediaRef is the stored form of an attachment. Graph API download URLs
// expire within minutes, so the media id is kept and resolved on fetch.
func StoredMediaRef(mediaID string) string {
	return MediaScheme + ":" + mediaRefPrefix + mediaID
}

// Config holds the service-wide WhatsApp app settings. Tenants may override
// the access token and phone number id.
type Config struct {
	AccessToken   string
	PhoneNumberID string
	AppSecret     string
	VerifyToken   string
}

// Adapter receives WhatsApp webhooks and sends replies via the Cloud API.
type Adapter struct {
	cfg     Config
	client  *Client
	tenants tenancy.Directory
	intake  *channels.Intake
	logger  *logging.Logger
}

// NewAdapter creates a WhatsApp adapter.
func NewAdapter(cfg Config, tenants tenancy.Directory, intake *channels.Intake, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Adapter{
		cfg:     cfg,
		client:  NewClient(cfg.AccessToken, cfg.PhoneNumberID),
		tenants: tenants,
		intake:  intake,
		logger:  logger,
	}
}

// Client returns the service-wide Cloud API client.
func (a *Adapter) Client() *Client { return a.client }

// Channel implements channels.Deliverer.
func (a *Adapter) Channel() conversation.Channel { return conversation.ChannelWhatsApp }

// Routes mounts GET (challenge) and POST (events) on /{slug}.
func (a *Adapter) Routes(r chi.Router) {
	r.Get("/{slug}", HandleVerification(a.cfg.VerifyToken))
	r.Post("/{slug}", a.HandleWebhook)
}

// HandleWebhook handles POST webhook events for the tenant in the URL.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if !VerifySignature(a.cfg.AppSecret, body, r.Header.Get(SignatureHeader)) {
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
		a.logger.Error("whatsapp: tenant lookup failed", "tenant", slug, "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !tenant.ChannelEnabled(string(conversation.ChannelWhatsApp)) {
		a.logger.Info("whatsapp: channel disabled, dropping event", "tenant", slug)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, msg := range ParseWebhookEvent(event) {
		in, ok := a.normalize(tenant, msg)
		if !ok {
			continue
		}
		if _, err := a.intake.Accept(r.Context(), in); err != nil {
			a.logger.Error("whatsapp: failed to accept message", "tenant", slug, "error", err)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) normalize(tenant *tenancy.Tenant, msg ParsedMessage) (conversation.InboundMessage, bool) {
	in := conversation.InboundMessage{
		TenantSlug:       tenant.Slug,
		Channel:          conversation.ChannelWhatsApp,
		ExternalUserID:   msg.From,
		Text:             msg.Text,
		ChannelMessageID: msg.MessageID,
		ReplyTo:          map[string]string{ReplyToPhoneNumberID: msg.PhoneNumberID},
	}
	if msg.Media != nil && msg.Media.ID != "" {
		in.MediaURL = StoredMediaRef(msg.Media.ID)
		in.MediaType = msg.Media.MimeType
	}
	if in.Validate() != nil {
		a.logger.Warn("whatsapp: dropping empty message", "tenant", tenant.Slug, "message_id", msg.MessageID)
		return in, false
	}
	return in, true
}

// ResolveMedia implements backend.MediaResolver. The download needs the
// same token that looked the media up, so the tenant's token is returned
// with the URL.
func (a *Adapter) ResolveMedia(ctx context.Context, tenantSlug, ref string) (string, string, error) {
	mediaID, ok := strings.CutPrefix(ref, mediaRefPrefix)
	if !ok || mediaID == "" {
		return "", "", fmt.Errorf("whatsapp: malformed media reference %q", ref)
	}
	tenant, err := a.tenants.BySlug(ctx, tenantSlug)
	if err != nil {
		return "", "", err
	}
	client := a.clientFor(tenant, "")
	info, err := client.MediaURL(ctx, mediaID)
	if err != nil {
		return "", "", err
	}
	return info.URL, client.accessToken, nil
}

// Deliver implements channels.Deliverer.
func (a *Adapter) Deliver(ctx context.Context, tenant *tenancy.Tenant, in conversation.InboundMessage, out *conversation.OutboundMessage) error {
	client := a.clientFor(tenant, in.ReplyTo[ReplyToPhoneNumberID])
	if _, err := client.SendText(ctx, in.ExternalUserID, out.Text); err != nil {
		a.logger.Error("whatsapp: failed to send message",
			"tenant", tenant.Slug,
			"recipient_id", in.ExternalUserID,
			"error", err,
		)
		return err
	}
	return nil
}

func (a *Adapter) clientFor(tenant *tenancy.Tenant, phoneNumberID string) *Client {
	if id := tenant.Credentials.WhatsAppPhoneNumberID; id != "" {
		phoneNumberID = id
	}
	return a.client.WithCredentials(tenant.Credentials.WhatsAppAccessToken, phoneNumberID)
}
