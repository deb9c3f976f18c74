package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultOllamaURL is used when a descriptor leaves the endpoint empty.
const DefaultOllamaURL = "http://127.0.0.1:11434"

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int32   `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int32         `json:"prompt_eval_count"`
	EvalCount       int32         `json:"eval_count"`
	Error           string        `json:"error"`
}

// OllamaProvider talks to a local Ollama server over its HTTP chat API.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider creates a provider for baseURL. The per-call deadline
// comes from the request context, so the http.Client has no timeout of its own.
func NewOllamaProvider(baseURL string, httpClient *http.Client) *OllamaProvider {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OllamaProvider{baseURL: baseURL, httpClient: httpClient}
}

// Generate implements Provider.
func (p *OllamaProvider) Generate(ctx context.Context, req Request) (Completion, error) {
	body := ollamaChatRequest{Model: req.Model, Stream: false}
	for _, s := range req.System {
		if strings.TrimSpace(s) == "" {
			continue
		}
		body.Messages = append(body.Messages, ollamaMessage{Role: "system", Content: s})
	}
	for _, t := range req.Turns {
		msg := ollamaMessage{Role: string(t.Role), Content: t.Text}
		if t.Image != nil && len(t.Image.Data) > 0 {
			msg.Images = []string{base64.StdEncoding.EncodeToString(t.Image.Data)}
		}
		body.Messages = append(body.Messages, msg)
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Completion{}, Failure(KindInvalidRequest, fmt.Errorf("encode chat request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return Completion{}, Failure(KindInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, transportFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Completion{}, transportFailure(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, statusFailure(resp.StatusCode, ollamaErrorText(raw))
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Completion{}, Failure(KindUnavailable, fmt.Errorf("decode chat response: %w", err))
	}
	if out.Error != "" {
		return Completion{}, Failure(KindUnavailable, errors.New(out.Error))
	}
	return Completion{
		Text:       out.Message.Content,
		StopReason: out.DoneReason,
		Usage: TokenUsage{
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
			TotalTokens:  out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}

// Probe checks the server answers /api/tags and has the model pulled.
func (p *OllamaProvider) Probe(ctx context.Context, model string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return Failure(KindUnavailable, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transportFailure(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusFailure(resp.StatusCode, resp.Status)
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tags); err != nil {
		return Failure(KindUnavailable, fmt.Errorf("decode tags: %w", err))
	}
	if model == "" {
		return nil
	}
	for _, m := range tags.Models {
		if m.Name == model || strings.TrimSuffix(m.Name, ":latest") == model {
			return nil
		}
	}
	return Failure(KindUnavailable, fmt.Errorf("model %s not pulled", model))
}

func ollamaErrorText(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}

func transportFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure(KindTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Failure(KindTimeout, err)
	}
	return Failure(KindUnavailable, err)
}

// statusFailure maps an HTTP status from a model API to a failure kind.
func statusFailure(status int, detail string) error {
	err := fmt.Errorf("status %d: %s", status, detail)
	switch {
	case status == http.StatusTooManyRequests:
		return Failure(KindRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Failure(KindTimeout, err)
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return Failure(KindInvalidRequest, err)
	default:
		return Failure(KindUnavailable, err)
	}
}

