package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiProvider calls Google's Gemini API.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini client for apiKey.
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("backend: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("backend: failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (Completion, error) {
	if len(req.Turns) == 0 {
		return Completion{}, Failure(KindInvalidRequest, errors.New("gemini requires at least one message"))
	}
	model := p.client.GenerativeModel(req.Model)
	if req.Temperature > 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	if system := strings.TrimSpace(strings.Join(req.System, "\n\n")); system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	cs := model.StartChat()
	cs.History = geminiHistory(req.Turns[:len(req.Turns)-1])

	resp, err := cs.SendMessage(ctx, geminiParts(req.Turns[len(req.Turns)-1])...)
	if err != nil {
		return Completion{}, geminiFailure(err)
	}
	if len(resp.Candidates) == 0 {
		return Completion{}, Failure(KindUnavailable, errors.New("gemini returned no candidates"))
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return Completion{}, Failure(KindUnavailable, errors.New("gemini returned empty content"))
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	completion := Completion{Text: text.String(), StopReason: candidate.FinishReason.String()}
	if resp.UsageMetadata != nil {
		completion.Usage = TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	return completion, nil
}

// Probe fetches model metadata, which costs no tokens.
func (p *GeminiProvider) Probe(ctx context.Context, model string) error {
	if _, err := p.client.GenerativeModel(model).Info(ctx); err != nil {
		return geminiFailure(err)
	}
	return nil
}

// Close releases the underlying client.
func (p *GeminiProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func geminiHistory(turns []Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		role := "user"
		if t.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Text)}})
	}
	return history
}

func geminiParts(t Turn) []genai.Part {
	var parts []genai.Part
	if t.Image != nil && len(t.Image.Data) > 0 {
		format := strings.TrimPrefix(strings.ToLower(t.Image.MIMEType), "image/")
		if format == "" {
			format = "jpeg"
		}
		parts = append(parts, genai.ImageData(format, t.Image.Data))
	}
	if strings.TrimSpace(t.Text) != "" || len(parts) == 0 {
		parts = append(parts, genai.Text(t.Text))
	}
	return parts
}

func geminiFailure(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return Failure(KindRateLimited, err)
		case apiErr.Code == http.StatusBadRequest:
			return Failure(KindInvalidRequest, err)
		case apiErr.Code == http.StatusGatewayTimeout:
			return Failure(KindTimeout, err)
		}
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return Failure(KindInvalidRequest, err)
	}
	return transportFailure(err)
}
