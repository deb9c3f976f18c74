package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

type fakeArchiver struct {
	archived  map[string]int
	summaries map[string]*Summary
	err       error
}

func (a *fakeArchiver) Archive(_ context.Context, conv Conversation, messages []Message, summary *Summary) error {
	if a.err != nil {
		return a.err
	}
	if a.archived == nil {
		a.archived = map[string]int{}
		a.summaries = map[string]*Summary{}
	}
	a.archived[conv.ID] = len(messages)
	a.summaries[conv.ID] = summary
	return nil
}

func TestSweeper_ClosesAndArchives(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, acme, Config{IdleAfter: 30 * time.Minute}, []backend.Descriptor{textBackend("llama", true, 0)})
	h.store.now = func() time.Time { return now }
	out, err := h.orch.Handle(context.Background(), inbound("hello"))
	require.NoError(t, err)

	archiver := &fakeArchiver{}
	sweeper := NewSweeper(h.orch, h.store, archiver, time.Minute, logging.Discard())
	sweeper.now = func() time.Time { return now.Add(time.Hour) }

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, archiver.archived[out.ConversationID])

	conv, err := h.store.Get(context.Background(), out.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, conv.Status)

	n, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_SkipsConversationsBeingHandled(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, acme, Config{IdleAfter: time.Minute}, []backend.Descriptor{textBackend("llama", true, 0)})
	h.store.now = func() time.Time { return now }
	out, err := h.orch.Handle(context.Background(), inbound("hello"))
	require.NoError(t, err)

	conv, err := h.store.Get(context.Background(), out.ConversationID)
	require.NoError(t, err)
	unlock, ok := h.orch.locks.TryLock(conv.Key().String())
	require.True(t, ok)
	defer unlock()

	closed, err := h.orch.CloseIdle(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestSweeper_ArchiveFailureDoesNotFailSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, acme, Config{IdleAfter: time.Minute}, []backend.Descriptor{textBackend("llama", true, 0)})
	h.store.now = func() time.Time { return now }
	_, err := h.orch.Handle(context.Background(), inbound("hello"))
	require.NoError(t, err)

	sweeper := NewSweeper(h.orch, h.store, &fakeArchiver{err: errors.New("s3 down")}, time.Minute, logging.Discard())
	sweeper.now = func() time.Time { return now.Add(time.Hour) }
	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeper_ArchivesSummaryFromRouter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, acme, Config{IdleAfter: time.Minute, SummarizeOnClose: true}, []backend.Descriptor{textBackend("llama", true, 0)})
	h.store.now = func() time.Time { return now }
	_, err := h.orch.Handle(context.Background(), inbound("my order is late"))
	require.NoError(t, err)
	out, err := h.orch.Handle(context.Background(), inbound("thanks, that helps"))
	require.NoError(t, err)

	h.providers["llama"].text = "Sure! Here it is:\n" +
		`{"summary": "Customer asked about a late order.", "topics": ["orders", "shipping"], "intent": "order status", "resolution": "Resolved", "sentiment": "positive", "satisfaction": "satisfied"}`
	archiver := &fakeArchiver{}
	sweeper := NewSweeper(h.orch, h.store, archiver, time.Minute, logging.Discard())
	sweeper.now = func() time.Time { return now.Add(time.Hour) }

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	summary := archiver.summaries[out.ConversationID]
	require.NotNil(t, summary)
	assert.Equal(t, "Customer asked about a late order.", summary.Text)
	assert.Equal(t, []string{"orders", "shipping"}, summary.Topics)
	assert.Equal(t, "resolved", summary.Resolution)
	assert.Equal(t, "llama", summary.Backend)
	assert.True(t, summary.Structured)

	reqs := h.providers["llama"].requests
	prompt := reqs[len(reqs)-1].Turns[len(reqs[len(reqs)-1].Turns)-1].Text
	assert.Contains(t, prompt, "Customer: my order is late")
	assert.Contains(t, prompt, "Agent: reply from llama")
	assert.Equal(t, 4, archiver.archived[out.ConversationID], "summary is not stored as a message")
}

func TestSweeper_SummaryFailureStillArchives(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, acme, Config{IdleAfter: time.Minute, SummarizeOnClose: true}, []backend.Descriptor{textBackend("llama", true, 0)})
	h.store.now = func() time.Time { return now }
	_, err := h.orch.Handle(context.Background(), inbound("one"))
	require.NoError(t, err)
	out, err := h.orch.Handle(context.Background(), inbound("two"))
	require.NoError(t, err)

	h.providers["llama"].err = errors.New("connection refused")
	archiver := &fakeArchiver{}
	sweeper := NewSweeper(h.orch, h.store, archiver, time.Minute, logging.Discard())
	sweeper.now = func() time.Time { return now.Add(time.Hour) }

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, archiver.archived[out.ConversationID])
	assert.Nil(t, archiver.summaries[out.ConversationID])
}

func TestSweeper_ShortOrDisabledConversationsAreNotSummarized(t *testing.T) {
	for name, cfg := range map[string]Config{
		"too short": {IdleAfter: time.Minute, SummarizeOnClose: true},
		"disabled":  {IdleAfter: time.Minute},
	} {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			h := newHarness(t, acme, cfg, []backend.Descriptor{textBackend("llama", true, 0)})
			h.store.now = func() time.Time { return now }
			_, err := h.orch.Handle(context.Background(), inbound("hi"))
			require.NoError(t, err)
			if name == "disabled" {
				_, err = h.orch.Handle(context.Background(), inbound("again"))
				require.NoError(t, err)
			}
			calls := h.providers["llama"].calls()

			archiver := &fakeArchiver{}
			sweeper := NewSweeper(h.orch, h.store, archiver, time.Minute, logging.Discard())
			sweeper.now = func() time.Time { return now.Add(time.Hour) }
			_, err = sweeper.SweepOnce(context.Background())
			require.NoError(t, err)

			assert.Equal(t, calls, h.providers["llama"].calls())
			require.Len(t, archiver.summaries, 1)
			for _, s := range archiver.summaries {
				assert.Nil(t, s)
			}
		})
	}
}

func TestParseSummary(t *testing.T) {
	t.Run("structured", func(t *testing.T) {
		s := parseSummary(`{"summary": "ok", "topics": ["a","b","c","d","e","f"], "intent": "buy"}`)
		assert.True(t, s.Structured)
		assert.Len(t, s.Topics, maxSummaryTopics)
		assert.Equal(t, "unresolved", s.Resolution)
		assert.Equal(t, "neutral", s.Sentiment)
	})

	t.Run("free text", func(t *testing.T) {
		s := parseSummary("The customer was frustrated with the delay.")
		assert.False(t, s.Structured)
		assert.Equal(t, "The customer was frustrated with the delay.", s.Text)
		assert.Equal(t, "negative", s.Sentiment)
	})

	t.Run("free text is capped", func(t *testing.T) {
		s := parseSummary(strings.Repeat("x", 2*maxFreeTextSummary))
		assert.Len(t, s.Text, maxFreeTextSummary)
	})
}

func TestTranscriptText(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	text := transcriptText([]Message{
		{Role: RoleUser, Text: "look", CreatedAt: at, Media: &Media{URL: "telegram:file/x", MIMEType: "image/jpeg"}},
		{Role: RoleAssistant, Text: "nice", CreatedAt: at},
	})
	assert.Equal(t, "[09:05] Customer: look [Shared image/jpeg]\n[09:05] Agent: nice", text)
}
