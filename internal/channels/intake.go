package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/events"
	"github.com/wolfman30/comchat-platform/internal/observability/metrics"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Enqueuer hands a message to the async pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, in conversation.InboundMessage) (string, error)
}

// Intake accepts normalized webhook messages.
type Intake struct {
	queue   Enqueuer
	dedupe  events.Deduper
	metrics *metrics.ChannelMetrics
	logger  *logging.Logger
}

// NewIntake builds an Intake. dedupe and m may be nil.
func NewIntake(queue Enqueuer, dedupe events.Deduper, m *metrics.ChannelMetrics, logger *logging.Logger) *Intake {
	if queue == nil {
		panic("channels: enqueuer cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Intake{queue: queue, dedupe: dedupe, metrics: m, logger: logger}
}

// Accept enqueues in unless its channel message id was already seen.
// It reports whether the message was enqueued.
func (i *Intake) Accept(ctx context.Context, in conversation.InboundMessage) (bool, error) {
	start := time.Now()
	channel := string(in.Channel)
	defer func() {
		i.metrics.ObserveWebhookLatency(channel, time.Since(start).Seconds())
	}()

	dedupeKey := ""
	if i.dedupe != nil && in.ChannelMessageID != "" {
		dedupeKey = in.TenantSlug + ":" + in.ChannelMessageID
		seen, err := i.dedupe.AlreadyProcessed(ctx, channel, dedupeKey)
		if err != nil {
			i.logger.Warn("dedupe lookup failed, processing anyway", "channel", channel, "error", err)
		} else if seen {
			i.observe(channel, "duplicate")
			return false, nil
		}
	}

	jobID, err := i.queue.Enqueue(ctx, in)
	if err != nil {
		i.observe(channel, "error")
		return false, fmt.Errorf("channels: enqueue %s message: %w", channel, err)
	}

	if dedupeKey != "" {
		if _, err := i.dedupe.MarkProcessed(ctx, channel, dedupeKey); err != nil {
			i.logger.Warn("failed to record processed message", "channel", channel, "error", err)
		}
	}
	i.observe(channel, "accepted")
	i.logger.Debug("inbound message accepted",
		"tenant", in.TenantSlug,
		"channel", channel,
		"job_id", jobID,
	)
	return true, nil
}

func (i *Intake) observe(channel, status string) {
	i.metrics.ObserveInbound(channel, status)
}
