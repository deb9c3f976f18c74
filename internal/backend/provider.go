package backend

import "context"

// Role of a turn in the model context.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is inline image content for image-capable backends.
type Image struct {
	MIMEType string
	Data     []byte
}

// Turn is one message of model context.
type Turn struct {
	Role  Role
	Text  string
	Image *Image
}

// TokenUsage captures token counts reported by a provider.
type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Request is what a Provider receives. The last turn is the new user input.
type Request struct {
	Model       string
	System      []string
	Turns       []Turn
	MaxTokens   int32
	Temperature float32
}

// Completion is a provider's raw answer.
type Completion struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// Provider speaks one model API. Errors should be classified with Failure.
type Provider interface {
	Generate(ctx context.Context, req Request) (Completion, error)
}

// Prober is implemented by providers with a cheap liveness check for a model.
type Prober interface {
	Probe(ctx context.Context, model string) error
}
