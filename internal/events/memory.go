package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	OutboxEntry
	nextAttempt time.Time
	delivered   bool
	dead        bool
	lastErr     string
}

// MemoryOutbox keeps deliveries in process memory, for development without Postgres.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*memoryEntry
	now     func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[uuid.UUID]*memoryEntry), now: time.Now}
}

func (m *MemoryOutbox) Insert(_ context.Context, tenantID, webhookID, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	now := m.now()
	m.entries[id] = &memoryEntry{OutboxEntry: OutboxEntry{
		ID: id, TenantID: tenantID, WebhookID: webhookID, Type: eventType, Payload: data, CreatedAt: now,
	}, nextAttempt: now}
	return id, nil
}

func (m *MemoryOutbox) FetchPending(_ context.Context, limit int32) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []OutboxEntry
	for _, e := range m.entries {
		if !e.delivered && !e.dead && !e.nextAttempt.After(now) {
			out = append(out, e.OutboxEntry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.delivered {
		return false, nil
	}
	e.delivered = true
	return true, nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.Attempts = attempts
		e.nextAttempt = next
		e.lastErr = lastErr
		e.dead = dead
	}
	return nil
}

// MemoryProcessed deduplicates channel events in process memory.
type MemoryProcessed struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryProcessed() *MemoryProcessed {
	return &MemoryProcessed{seen: make(map[string]struct{})}
}

func (m *MemoryProcessed) AlreadyProcessed(_ context.Context, channel, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[channel+"|"+eventID]
	return ok, nil
}

func (m *MemoryProcessed) MarkProcessed(_ context.Context, channel, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := channel + "|" + eventID
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}
