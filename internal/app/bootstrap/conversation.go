package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/comchat-platform/internal/archive"
	"github.com/wolfman30/comchat-platform/internal/backend"
	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/events"
	"github.com/wolfman30/comchat-platform/internal/observability/metrics"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Stores groups the persistence the orchestrator and webhooks rely on.
type Stores struct {
	Conversations conversation.Store
	Outbox        events.Outbox
	Processed     events.Deduper
}

// BuildStores returns Postgres stores when pool is set, in-memory ones otherwise.
func BuildStores(pool *pgxpool.Pool, logger *logging.Logger) Stores {
	if logger == nil {
		logger = logging.Default()
	}
	if pool == nil {
		logger.Warn("DATABASE_URL not set; conversations, outbox and dedupe are in memory")
		return Stores{
			Conversations: conversation.NewMemoryStore(),
			Outbox:        events.NewMemoryOutbox(),
			Processed:     events.NewMemoryProcessed(),
		}
	}
	return Stores{
		Conversations: conversation.NewPostgresStore(pool),
		Outbox:        events.NewOutboxStore(pool),
		Processed:     events.NewProcessedStore(pool),
	}
}

// OrchestratorConfig maps configuration to orchestrator settings.
func OrchestratorConfig(cfg *appconfig.Config) conversation.Config {
	return conversation.Config{
		BaseSystemPrompt: cfg.BaseSystemPrompt,
		FallbackReply:    cfg.FallbackReply,
		Window: conversation.Window{
			MaxMessages: cfg.ContextMaxMessages,
			MaxChars:    cfg.ContextMaxChars,
		},
		MaxTokens:         int32(cfg.ModelMaxTokens),
		Temperature:       float32(cfg.ModelTemperature),
		StoreTimeout:      cfg.StoreTimeout,
		IdleAfter:         cfg.IdleCloseAfter,
		SummarizeOnClose:  cfg.SummarizeOnClose,
		DefaultReopenMode: tenancy.ParseReopenMode(cfg.DefaultReopenMode),
	}
}

// BuildMediaFetcher downloads inbound images. Plain URLs are limited to
// MEDIA_ALLOWED_HOSTS; channel references are resolved once the channel
// adapters register.
func BuildMediaFetcher(cfg *appconfig.Config) *backend.HTTPMediaFetcher {
	return backend.NewHTTPMediaFetcher(nil, cfg.MediaAllowedHosts...)
}

// BuildOrchestrator wires the conversation orchestrator with webhook events
// and metrics.
func BuildOrchestrator(
	cfg *appconfig.Config,
	tenants tenancy.Directory,
	webhooks tenancy.WebhookSource,
	stores Stores,
	generator conversation.Generator,
	media backend.MediaFetcher,
	reg prometheus.Registerer,
	logger *logging.Logger,
) *conversation.Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	opts := []conversation.Option{
		conversation.WithLogger(logger),
		conversation.WithMetrics(metrics.NewConversationMetrics(reg)),
	}
	if media != nil {
		opts = append(opts, conversation.WithMediaFetcher(media))
	}
	if webhooks != nil && stores.Outbox != nil {
		opts = append(opts, conversation.WithEventSink(events.NewWebhookRecorder(stores.Outbox, webhooks)))
	}
	return conversation.NewOrchestrator(tenants, stores.Conversations, generator, OrchestratorConfig(cfg), opts...)
}

// BuildArchiver returns the S3 transcript archiver, or nil when no bucket is configured.
func BuildArchiver(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) conversation.Archiver {
	if strings.TrimSpace(cfg.TranscriptBucket) == "" {
		return nil
	}
	store := archive.NewStore(s3.NewFromConfig(awsCfg), cfg.TranscriptBucket, logger)
	archiver := archive.NewTranscriptArchiver(store, cfg.TranscriptScrubPII, logger)
	if archiver == nil {
		return nil
	}
	return archiver
}
