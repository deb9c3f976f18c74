package archive

import (
	"context"
	"time"

	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// TranscriptArchiver turns closed conversations into TranscriptRecords.
type TranscriptArchiver struct {
	store    *Store
	scrubPII bool
	logger   *logging.Logger
	now      func() time.Time
}

// NewTranscriptArchiver returns nil when store is not enabled, so callers can
// skip archiving entirely.
func NewTranscriptArchiver(store *Store, scrubPII bool, logger *logging.Logger) *TranscriptArchiver {
	if !store.Enabled() {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TranscriptArchiver{store: store, scrubPII: scrubPII, logger: logger, now: time.Now}
}

// Archive implements conversation.Archiver.
func (a *TranscriptArchiver) Archive(ctx context.Context, conv conversation.Conversation, messages []conversation.Message, summary *conversation.Summary) error {
	record := a.record(conv, messages)
	if summary != nil {
		record.Summary = &Summary{
			Text:         summary.Text,
			Topics:       summary.Topics,
			Intent:       summary.Intent,
			Resolution:   summary.Resolution,
			Sentiment:    summary.Sentiment,
			Satisfaction: summary.Satisfaction,
			Backend:      summary.Backend,
		}
	}
	if a.scrubPII {
		ScrubMessages(record.Messages)
		if record.Summary != nil {
			record.Summary.Text = ScrubPII(record.Summary.Text)
			record.Summary.Intent = ScrubPII(record.Summary.Intent)
		}
	}
	return a.store.Put(ctx, record)
}

func (a *TranscriptArchiver) record(conv conversation.Conversation, messages []conversation.Message) *TranscriptRecord {
	closedAt := conv.LastActivityAt
	if conv.ClosedAt != nil {
		closedAt = *conv.ClosedAt
	}
	record := &TranscriptRecord{
		Version:         "1.0",
		ConversationID:  conv.ID,
		TenantID:        conv.TenantID,
		Channel:         string(conv.Channel),
		UserHash:        HashUser(conv.TenantID, string(conv.Channel), conv.ExternalUserID),
		CreatedAt:       conv.CreatedAt,
		ClosedAt:        closedAt,
		ArchivedAt:      a.now().UTC(),
		DurationSeconds: int(conv.LastActivityAt.Sub(conv.CreatedAt).Seconds()),
		MessageCount:    len(messages),
		Messages:        make([]Message, 0, len(messages)),
	}

	seen := map[string]bool{}
	for _, m := range messages {
		msg := Message{
			Seq:          m.Seq,
			Role:         string(m.Role),
			Content:      m.Text,
			Backend:      m.Backend,
			LatencyMs:    m.LatencyMs,
			Fallback:     m.Fallback,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			Timestamp:    m.CreatedAt,
		}
		if m.Media != nil {
			msg.MediaType = m.Media.MIMEType
		}
		if m.Fallback {
			record.FallbackCount++
		}
		if m.Backend != "" && !m.Fallback && !seen[m.Backend] {
			seen[m.Backend] = true
			record.Backends = append(record.Backends, m.Backend)
		}
		record.Messages = append(record.Messages, msg)
	}
	return record
}
