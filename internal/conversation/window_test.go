package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wolfman30/comchat-platform/internal/backend"
)

func msgs(texts ...string) []Message {
	out := make([]Message, len(texts))
	for i, text := range texts {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		out[i] = Message{Seq: int64(i + 1), Role: role, Text: text}
	}
	return out
}

func TestWindow_TrimsByCountOldestFirst(t *testing.T) {
	turns := Window{MaxMessages: 2}.Build(msgs("one", "two", "three"))
	assert.Len(t, turns, 2)
	assert.Equal(t, "two", turns[0].Text)
	assert.Equal(t, backend.RoleAssistant, turns[0].Role)
	assert.Equal(t, "three", turns[1].Text)
}

func TestWindow_TrimsByCharBudgetWithoutSplitting(t *testing.T) {
	history := msgs(strings.Repeat("a", 50), strings.Repeat("b", 30), strings.Repeat("c", 30))
	turns := Window{MaxMessages: 10, MaxChars: 70}.Build(history)
	assert.Len(t, turns, 2)
	for _, turn := range turns {
		assert.Len(t, turn.Text, 30)
	}
}

func TestWindow_DropsMessageLargerThanBudget(t *testing.T) {
	turns := Window{MaxChars: 5}.Build(msgs("far too long"))
	assert.Empty(t, turns)
}

func TestWindow_RendersMediaPlaceholders(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Text: "look", Media: &Media{URL: "https://x/1.png", MIMEType: "image/png"}},
		{Role: RoleUser, Media: &Media{URL: "https://x/doc.pdf", MIMEType: "application/pdf"}},
	}
	turns := Window{}.Build(history)
	assert.Equal(t, "[image] look", turns[0].Text)
	assert.Nil(t, turns[0].Image)
	assert.Equal(t, "[attachment]", turns[1].Text)
}
