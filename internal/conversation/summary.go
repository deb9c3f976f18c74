package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/internal/routing"
)

const (
	minSummaryMessages = 3
	maxSummaryChars    = 1000
	maxFreeTextSummary = 500
	maxSummaryTopics   = 5
	maxIntentChars     = 255
	summaryMaxTokens   = 500
	summaryTemperature = 0.3
)

const summaryPrompt = `Analyze this customer service conversation and provide a structured summary.

CONVERSATION:
%s

Reply with JSON only:
{"summary": "2-3 sentences", "topics": ["max 5"], "intent": "primary customer intent", "resolution": "resolved|unresolved|escalated", "sentiment": "positive|negative|neutral", "satisfaction": "satisfied|dissatisfied|neutral"}`

var summaryJSON = regexp.MustCompile(`(?s)\{.*\}`)

// Summary is a model-written digest of a closed conversation.
type Summary struct {
	Text         string   `json:"summary"`
	Topics       []string `json:"topics,omitempty"`
	Intent       string   `json:"intent,omitempty"`
	Resolution   string   `json:"resolution"`
	Sentiment    string   `json:"sentiment"`
	Satisfaction string   `json:"satisfaction"`
	Backend      string   `json:"backend"`
	// Structured is false when the model ignored the JSON format and the
	// summary was taken from its free text.
	Structured bool `json:"structured"`
}

// Summarize asks the router for a summary of a closed conversation. It
// returns nil without calling a backend when there are too few messages to
// be worth summarizing.
func (o *Orchestrator) Summarize(ctx context.Context, conv Conversation, messages []Message) (*Summary, error) {
	if len(messages) < minSummaryMessages {
		return nil, nil
	}
	req := routing.Request{
		Tenant:      conv.TenantID,
		Modality:    backend.ModalityText,
		Input:       backend.Turn{Role: backend.RoleUser, Text: fmt.Sprintf(summaryPrompt, transcriptText(messages))},
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	}
	gctx, cancel := context.WithTimeout(ctx, o.generationTimeout(req))
	defer cancel()
	res, err := o.router.Route(gctx, req)
	if err != nil {
		return nil, fmt.Errorf("conversation: summarize %s: %w", conv.ID, err)
	}
	if strings.TrimSpace(res.Text) == "" {
		return nil, errors.New("conversation: summarize: empty completion")
	}
	summary := parseSummary(res.Text)
	summary.Backend = res.Backend
	return summary, nil
}

func transcriptText(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		speaker := "Agent"
		if m.Role == RoleUser {
			speaker = "Customer"
		}
		fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.UTC().Format("15:04"), speaker, m.Text)
		if m.Media != nil {
			kind := m.Media.MIMEType
			if kind == "" {
				kind = "media"
			}
			fmt.Fprintf(&b, " [Shared %s]", kind)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func parseSummary(text string) *Summary {
	if raw := summaryJSON.FindString(text); raw != "" {
		var s Summary
		if err := json.Unmarshal([]byte(raw), &s); err == nil && strings.TrimSpace(s.Text) != "" {
			s.Text = truncate(s.Text, maxSummaryChars)
			s.Intent = truncate(s.Intent, maxIntentChars)
			if len(s.Topics) > maxSummaryTopics {
				s.Topics = s.Topics[:maxSummaryTopics]
			}
			s.Resolution = orDefault(s.Resolution, "unresolved")
			s.Sentiment = orDefault(s.Sentiment, "neutral")
			s.Satisfaction = orDefault(s.Satisfaction, "neutral")
			s.Structured = true
			return &s
		}
	}
	return &Summary{
		Text:         truncate(strings.TrimSpace(text), maxFreeTextSummary),
		Resolution:   "unresolved",
		Sentiment:    freeTextSentiment(text),
		Satisfaction: "neutral",
	}
}

func freeTextSentiment(text string) string {
	lower := strings.ToLower(text)
	for _, w := range []string{"happy", "satisfied", "good", "great"} {
		if strings.Contains(lower, w) {
			return "positive"
		}
	}
	for _, w := range []string{"angry", "frustrated", "bad", "terrible"} {
		if strings.Contains(lower, w) {
			return "negative"
		}
	}
	return "neutral"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return strings.ToLower(s)
	}
	return def
}
