package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

const (
	SignatureHeader = "X-ComChat-Signature"
	EventHeader     = "X-ComChat-Event"
	DeliveryHeader  = "X-ComChat-Delivery"
	userAgent       = "ComChat-Webhook/1.0"
)

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header produced by Sign.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// WebhookDispatcher POSTs outbox entries to tenant webhook URLs.
type WebhookDispatcher struct {
	client   *http.Client
	webhooks tenancy.WebhookSource
	logger   *logging.Logger
}

var _ DeliveryHandler = (*WebhookDispatcher)(nil)

func NewWebhookDispatcher(webhooks tenancy.WebhookSource, client *http.Client, logger *logging.Logger) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookDispatcher{client: client, webhooks: webhooks, logger: logger}
}

// Handle delivers one entry. A subscription removed since the event was
// recorded is treated as delivered.
func (d *WebhookDispatcher) Handle(ctx context.Context, entry OutboxEntry) error {
	hooks, err := d.webhooks.Webhooks(ctx, entry.TenantID)
	if err != nil {
		return fmt.Errorf("events: list webhooks: %w", err)
	}
	var hook *tenancy.Webhook
	for i := range hooks {
		if hooks[i].ID == entry.WebhookID {
			hook = &hooks[i]
			break
		}
	}
	if hook == nil {
		d.logger.Info("dropping event for removed webhook", "webhook_id", entry.WebhookID, "event_id", entry.ID)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(entry.Payload))
	if err != nil {
		return fmt.Errorf("events: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(EventHeader, entry.Type)
	req.Header.Set(DeliveryHeader, entry.ID.String())
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, entry.Payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("events: post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("events: webhook returned %d", resp.StatusCode)
	}
	return nil
}
