package conversation

import (
	"github.com/wolfman30/comchat-platform/internal/backend"
)

// Window bounds the prior messages sent to a model.
type Window struct {
	MaxMessages int
	MaxChars    int
}

const (
	imagePlaceholder      = "[image]"
	attachmentPlaceholder = "[attachment]"
)

// Build converts history into model turns, dropping the oldest messages
// until both the count and the character budget fit. Messages are never
// truncated; a single message larger than the budget is dropped entirely.
func (w Window) Build(history []Message) []backend.Turn {
	turns := make([]backend.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, messageTurn(m))
	}
	if w.MaxMessages > 0 && len(turns) > w.MaxMessages {
		turns = turns[len(turns)-w.MaxMessages:]
	}
	if w.MaxChars <= 0 {
		return turns
	}
	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		n := len([]rune(turns[i].Text))
		if total+n > w.MaxChars {
			break
		}
		total += n
		start = i
	}
	return turns[start:]
}

func messageTurn(m Message) backend.Turn {
	role := backend.RoleUser
	if m.Role == RoleAssistant {
		role = backend.RoleAssistant
	}
	text := m.Text
	if m.Media != nil {
		placeholder := attachmentPlaceholder
		if m.Media.IsImage() {
			placeholder = imagePlaceholder
		}
		if text == "" {
			text = placeholder
		} else {
			text = placeholder + " " + text
		}
	}
	return backend.Turn{Role: role, Text: text}
}
