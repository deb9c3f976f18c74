package conversation

import (
	"context"
	"time"

	"github.com/wolfman30/comchat-platform/internal/tenancy"
)

// Conversation lifecycle event types delivered to tenant webhooks.
const (
	EventMessageReceived     = "message.received"
	EventMessageSent         = "message.sent"
	EventConversationStarted = "conversation.started"
	EventConversationEnded   = "conversation.ended"
)

// Event is a conversation lifecycle notification.
type Event struct {
	Type         string
	Tenant       *tenancy.Tenant
	Conversation Conversation
	Message      *Message
	At           time.Time
}

// EventSink records events for later delivery. Emit must return quickly;
// failures are logged and never fail the request.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }
