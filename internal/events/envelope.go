package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/comchat-platform/internal/conversation"
)

// Envelope is the JSON body delivered to tenant webhooks.
type Envelope struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	TenantID  string          `json:"tenant_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ConversationData describes the conversation an event belongs to.
type ConversationData struct {
	ConversationID string     `json:"conversation_id"`
	Channel        string     `json:"channel"`
	ExternalUserID string     `json:"external_user_id"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// MessageData is attached to message.received and message.sent.
type MessageData struct {
	MessageID    string `json:"message_id"`
	Seq          int64  `json:"seq"`
	Role         string `json:"role"`
	Text         string `json:"text"`
	MediaURL     string `json:"media_url,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
	Backend      string `json:"backend,omitempty"`
	LatencyMs    int64  `json:"latency_ms,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"`
	InputTokens  int32  `json:"input_tokens,omitempty"`
	OutputTokens int32  `json:"output_tokens,omitempty"`
}

type eventData struct {
	Conversation ConversationData `json:"conversation"`
	Message      *MessageData     `json:"message,omitempty"`
}

var errMissingType = errors.New("events: event type is required")

var nowFunc = time.Now

func newEnvelope(ev conversation.Event) (Envelope, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return Envelope{}, errMissingType
	}
	c := ev.Conversation
	data := eventData{Conversation: ConversationData{
		ConversationID: c.ID,
		Channel:        string(c.Channel),
		ExternalUserID: c.ExternalUserID,
		Status:         string(c.Status),
		StartedAt:      c.CreatedAt,
		ClosedAt:       c.ClosedAt,
	}}
	if m := ev.Message; m != nil {
		md := &MessageData{
			MessageID:    m.ID,
			Seq:          m.Seq,
			Role:         string(m.Role),
			Text:         m.Text,
			Backend:      m.Backend,
			LatencyMs:    m.LatencyMs,
			Fallback:     m.Fallback,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
		}
		if m.Media != nil {
			md.MediaURL, md.MediaType = m.Media.URL, m.Media.MIMEType
		}
		data.Message = md
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal event data: %w", err)
	}
	ts := ev.At
	if ts.IsZero() {
		ts = nowFunc()
	}
	return Envelope{
		EventID:   uuid.New(),
		EventType: ev.Type,
		TenantID:  c.TenantID,
		Timestamp: ts.UTC(),
		Data:      raw,
	}, nil
}
