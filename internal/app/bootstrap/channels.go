package bootstrap

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/internal/channels"
	"github.com/wolfman30/comchat-platform/internal/channels/telegram"
	"github.com/wolfman30/comchat-platform/internal/channels/web"
	"github.com/wolfman30/comchat-platform/internal/channels/whatsapp"
	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/internal/events"
	"github.com/wolfman30/comchat-platform/internal/observability/metrics"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Channels holds the channel adapters and the delivery registry.
type Channels struct {
	Registry *channels.Registry
	Intake   *channels.Intake
	Web      *web.Handler
	WhatsApp *whatsapp.Adapter
	Telegram *telegram.Adapter
}

// BuildChannels wires the web widget and, when configured, the WhatsApp and
// Telegram webhooks. Webhook channels enqueue through queue.
func BuildChannels(
	cfg *appconfig.Config,
	tenants tenancy.Directory,
	messages web.MessageHandler,
	queue channels.Enqueuer,
	dedupe events.Deduper,
	reg prometheus.Registerer,
	logger *logging.Logger,
) *Channels {
	if logger == nil {
		logger = logging.Default()
	}
	channelMetrics := metrics.NewChannelMetrics(reg)
	out := &Channels{
		Registry: channels.NewRegistry(tenants, channelMetrics, logger),
		Intake:   channels.NewIntake(queue, dedupe, channelMetrics, logger),
	}

	out.Web = web.NewHandler(messages, web.WidgetJS, logger.With("channel", "web"))
	out.Registry.Register(out.Web)

	if strings.TrimSpace(cfg.WhatsAppAppSecret) != "" {
		out.WhatsApp = whatsapp.NewAdapter(whatsapp.Config{
			AccessToken:   cfg.WhatsAppAccessToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			AppSecret:     cfg.WhatsAppAppSecret,
			VerifyToken:   cfg.WhatsAppVerifyToken,
		}, tenants, out.Intake, logger.With("channel", "whatsapp"))
		out.Registry.Register(out.WhatsApp)
	} else {
		logger.Info("whatsapp channel disabled: WHATSAPP_APP_SECRET not set")
	}

	if strings.TrimSpace(cfg.TelegramWebhookSecret) != "" {
		out.Telegram = telegram.NewAdapter(telegram.Config{
			BotToken:      cfg.TelegramBotToken,
			WebhookSecret: cfg.TelegramWebhookSecret,
		}, tenants, out.Intake, logger.With("channel", "telegram"))
		out.Registry.Register(out.Telegram)
	} else {
		logger.Info("telegram channel disabled: TELEGRAM_WEBHOOK_SECRET not set")
	}

	return out
}

// RegisterMediaResolvers lets fetcher resolve the media references the
// enabled webhook channels store.
func (c *Channels) RegisterMediaResolvers(fetcher *backend.HTTPMediaFetcher) {
	if fetcher == nil {
		return
	}
	if c.WhatsApp != nil {
		fetcher.RegisterResolver(whatsapp.MediaScheme, c.WhatsApp)
	}
	if c.Telegram != nil {
		fetcher.RegisterResolver(telegram.MediaScheme, c.Telegram)
	}
}
