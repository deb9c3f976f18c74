package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Channel identifies where a message came from.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
)

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelWhatsApp, ChannelTelegram:
		return true
	}
	return false
}

// Status of a conversation.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FallbackBackend tags assistant messages produced without a model.
const FallbackBackend = "system-fallback"

// Key identifies the single active conversation of an end user on a channel.
type Key struct {
	TenantID       string
	Channel        Channel
	ExternalUserID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.Channel, k.ExternalUserID)
}

// Conversation is an ordered exchange between one end user and a tenant's bot.
type Conversation struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Channel        Channel    `json:"channel"`
	ExternalUserID string     `json:"external_user_id"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Key returns the conversation's identity key.
func (c Conversation) Key() Key {
	return Key{TenantID: c.TenantID, Channel: c.Channel, ExternalUserID: c.ExternalUserID}
}

// Media references an attachment.
type Media struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
}

// IsImage reports whether the media should be treated as an image. An
// attachment without a type is assumed to be one.
func (m *Media) IsImage() bool {
	if m == nil || m.URL == "" {
		return false
	}
	return m.MIMEType == "" || strings.HasPrefix(strings.ToLower(m.MIMEType), "image/")
}

// Message is one immutable turn. Seq is assigned by the store.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Seq              int64     `json:"seq"`
	Role             Role      `json:"role"`
	Text             string    `json:"text"`
	Media            *Media    `json:"media,omitempty"`
	Backend          string    `json:"backend,omitempty"`
	LatencyMs        int64     `json:"latency_ms,omitempty"`
	Fallback         bool      `json:"fallback,omitempty"`
	InputTokens      int32     `json:"input_tokens,omitempty"`
	OutputTokens     int32     `json:"output_tokens,omitempty"`
	ChannelMessageID string    `json:"channel_message_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// InboundMessage is the channel-neutral form every adapter produces.
type InboundMessage struct {
	TenantSlug       string            `json:"tenant_slug"`
	Channel          Channel           `json:"channel"`
	ExternalUserID   string            `json:"external_user_id"`
	Text             string            `json:"text"`
	MediaURL         string            `json:"media_url,omitempty"`
	MediaType        string            `json:"media_type,omitempty"`
	ChannelMessageID string            `json:"channel_message_id,omitempty"`
	ReplyTo          map[string]string `json:"reply_to,omitempty"`
}

// Media returns the attachment, if any.
func (in InboundMessage) Media() *Media {
	if strings.TrimSpace(in.MediaURL) == "" {
		return nil
	}
	return &Media{URL: in.MediaURL, MIMEType: in.MediaType}
}

// OutboundMessage is the channel-neutral reply.
type OutboundMessage struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Text           string `json:"text"`
	BackendUsed    string `json:"backend_used"`
	LatencyMs      int64  `json:"latency_ms"`
	Fallback       bool   `json:"fallback"`
	// Replayed marks a reply recorded earlier for the same channel message.
	Replayed bool `json:"replayed,omitempty"`
}
