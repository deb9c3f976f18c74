package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultGraphAPIBase = "https://graph.facebook.com/v18.0"
	defaultHTTPTimeout  = 10 * time.Second
)

// Client talks to the WhatsApp Cloud API for one business number.
type Client struct {
	accessToken   string
	phoneNumberID string
	graphAPIBase  string
	httpClient    *http.Client
}

// NewClient creates a Cloud API client.
func NewClient(accessToken, phoneNumberID string) *Client {
	return &Client{
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		graphAPIBase:  defaultGraphAPIBase,
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// SetGraphAPIBase overrides the Graph API base URL (useful for testing).
func (c *Client) SetGraphAPIBase(base string) {
	c.graphAPIBase = base
}

// WithCredentials returns a copy that sends as another number, sharing the HTTP client.
func (c *Client) WithCredentials(accessToken, phoneNumberID string) *Client {
	cp := *c
	if accessToken != "" {
		cp.accessToken = accessToken
	}
	if phoneNumberID != "" {
		cp.phoneNumberID = phoneNumberID
	}
	return &cp
}

// SendText sends a plain text message and returns its WhatsApp message id.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	if c.accessToken == "" || c.phoneNumberID == "" {
		return "", fmt.Errorf("whatsapp: missing access token or phone number id")
	}
	payload := SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             SendText{Body: text},
	}
	var resp SendResponse
	endpoint := fmt.Sprintf("%s/%s/messages", c.graphAPIBase, url.PathEscape(c.phoneNumberID))
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("whatsapp: API error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

// MediaURL resolves a media ID to a short-lived download URL. Downloading it
// requires the same bearer token.
func (c *Client) MediaURL(ctx context.Context, mediaID string) (*MediaInfo, error) {
	var info MediaInfo
	endpoint := fmt.Sprintf("%s/%s", c.graphAPIBase, url.PathEscape(mediaID))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &info); err != nil {
		return nil, err
	}
	if info.Error != nil {
		return nil, fmt.Errorf("whatsapp: API error %d: %s", info.Error.Code, info.Error.Message)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("whatsapp: media %s has no url", mediaID)
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("whatsapp: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("whatsapp: read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("whatsapp: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != nil {
			return fmt.Errorf("whatsapp: API error %d: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("whatsapp: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
