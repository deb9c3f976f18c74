package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/comchat-platform/internal/tenancy"
)

var (
	ErrConversationNotFound = errors.New("conversation: not found")
	ErrConversationClosed   = errors.New("conversation: closed")
	ErrMessageNotFound      = errors.New("conversation: message not found")
	// ErrDuplicateMessage is returned by Append when the channel message id
	// was already recorded as a user message in the conversation.
	ErrDuplicateMessage = errors.New("conversation: channel message already recorded")
	// ErrStoreFailure marks a transient persistence failure. Callers should
	// retry; no reply was fabricated.
	ErrStoreFailure = errors.New("conversation: store unavailable")
)

// Store persists conversations and their messages.
//
// Append assigns sequence numbers starting at 1 with no gaps, atomically with
// the insert. History returns the trailing limit messages oldest first; a
// limit of zero or less returns everything.
//
// A user message carrying a channel message id is recorded at most once per
// conversation. FindInbound looks it up and returns the message stored right
// after it, if any.
type Store interface {
	ResolveOrCreate(ctx context.Context, key Key, mode tenancy.ReopenMode) (conv *Conversation, created bool, err error)
	Append(ctx context.Context, conversationID string, msg Message) (Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)
	FindInbound(ctx context.Context, conversationID, channelMessageID string) (msg Message, next *Message, err error)
	Get(ctx context.Context, conversationID string) (*Conversation, error)
	IdleCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error)
	// Close closes the conversation if it is still active and idle since cutoff.
	Close(ctx context.Context, conversationID string, cutoff time.Time) (bool, error)
}
