package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
)

type memoryConversation struct {
	conv     Conversation
	messages []Message
}

// MemoryStore keeps conversations in process memory. Used in development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*memoryConversation
	byKey  map[Key][]string // every conversation id for a key, oldest first
	now    func() time.Time
	failOn func(op string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*memoryConversation),
		byKey: make(map[Key][]string),
		now:   time.Now,
	}
}

func (s *MemoryStore) fail(op string) error {
	if s.failOn == nil {
		return nil
	}
	return s.failOn(op)
}

// ResolveOrCreate implements Store.
func (s *MemoryStore) ResolveOrCreate(_ context.Context, key Key, mode tenancy.ReopenMode) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("resolve"); err != nil {
		return nil, false, err
	}

	ids := s.byKey[key]
	for _, id := range ids {
		if c := s.byID[id]; c.conv.Status == StatusActive {
			cp := c.conv
			return &cp, false, nil
		}
	}

	now := s.now().UTC()
	if mode == tenancy.ReopenSame && len(ids) > 0 {
		latest := s.byID[ids[len(ids)-1]]
		latest.conv.Status = StatusActive
		latest.conv.ClosedAt = nil
		latest.conv.LastActivityAt = now
		cp := latest.conv
		return &cp, false, nil
	}

	c := &memoryConversation{conv: Conversation{
		ID:             uuid.NewString(),
		TenantID:       key.TenantID,
		Channel:        key.Channel,
		ExternalUserID: key.ExternalUserID,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}}
	s.byID[c.conv.ID] = c
	s.byKey[key] = append(ids, c.conv.ID)
	cp := c.conv
	return &cp, true, nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, conversationID string, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("append"); err != nil {
		return Message{}, err
	}

	c, ok := s.byID[conversationID]
	if !ok {
		return Message{}, ErrConversationNotFound
	}
	if c.conv.Status != StatusActive {
		return Message{}, ErrConversationClosed
	}
	if msg.Role == RoleUser && msg.ChannelMessageID != "" {
		if _, ok := findInbound(c.messages, msg.ChannelMessageID); ok {
			return Message{}, ErrDuplicateMessage
		}
	}
	now := s.now().UTC()
	msg.ID = uuid.NewString()
	msg.ConversationID = conversationID
	msg.Seq = int64(len(c.messages)) + 1
	msg.CreatedAt = now
	if msg.Media != nil {
		m := *msg.Media
		msg.Media = &m
	}
	c.messages = append(c.messages, msg)
	c.conv.LastActivityAt = now
	return msg, nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("history"); err != nil {
		return nil, err
	}

	c, ok := s.byID[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

// FindInbound implements Store.
func (s *MemoryStore) FindInbound(_ context.Context, conversationID, channelMessageID string) (Message, *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("find"); err != nil {
		return Message{}, nil, err
	}

	c, ok := s.byID[conversationID]
	if !ok {
		return Message{}, nil, ErrConversationNotFound
	}
	i, ok := findInbound(c.messages, channelMessageID)
	if !ok {
		return Message{}, nil, ErrMessageNotFound
	}
	if i+1 < len(c.messages) {
		next := c.messages[i+1]
		return c.messages[i], &next, nil
	}
	return c.messages[i], nil, nil
}

func findInbound(msgs []Message, channelMessageID string) (int, bool) {
	if channelMessageID == "" {
		return 0, false
	}
	for i, m := range msgs {
		if m.Role == RoleUser && m.ChannelMessageID == channelMessageID {
			return i, true
		}
	}
	return 0, false
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := c.conv
	return &cp, nil
}

// IdleCandidates implements Store.
func (s *MemoryStore) IdleCandidates(_ context.Context, cutoff time.Time, limit int) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.byID {
		if c.conv.Status == StatusActive && c.conv.LastActivityAt.Before(cutoff) {
			out = append(out, c.conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close(_ context.Context, conversationID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	if c.conv.Status != StatusActive || !c.conv.LastActivityAt.Before(cutoff) {
		return false, nil
	}
	now := s.now().UTC()
	c.conv.Status = StatusClosed
	c.conv.ClosedAt = &now
	return true, nil
}
