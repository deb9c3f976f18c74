package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAPIBase     = "https://api.telegram.org"
	defaultHTTPTimeout = 10 * time.Second
)

// Client calls the Telegram Bot API for one bot.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Bot API client.
func NewClient(token string) *Client {
	return &Client{
		token:      token,
		apiBase:    defaultAPIBase,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// SetAPIBase overrides the Bot API base URL (useful for testing).
func (c *Client) SetAPIBase(base string) {
	c.apiBase = strings.TrimRight(base, "/")
}

// WithToken returns a copy for another bot, sharing the HTTP client.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	if token != "" {
		cp.token = token
	}
	return &cp
}

// SendMessage sends text to chatID.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) error {
	var resp apiResponse[json.RawMessage]
	return c.call(ctx, "sendMessage", req, &resp)
}

// FileURL resolves fileID to a download URL. The URL embeds the bot token,
// so it is only handed to the media fetcher and never persisted.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	var resp apiResponse[File]
	if err := c.call(ctx, "getFile", map[string]string{"file_id": fileID}, &resp); err != nil {
		return "", err
	}
	if resp.Result.FilePath == "" {
		return "", fmt.Errorf("telegram: file %s has no path", fileID)
	}
	return fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, resp.Result.FilePath), nil
}

type okChecker interface {
	failure() error
}

func (r *apiResponse[T]) failure() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("telegram: API error %d: %s", r.ErrorCode, r.Description)
}

func (c *Client) call(ctx context.Context, method string, payload any, out okChecker) error {
	if c.token == "" {
		return fmt.Errorf("telegram: bot token not configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, url.PathEscape(c.token), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL contains the token; don't let it reach the logs.
		return fmt.Errorf("telegram: %s failed: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return out.failure()
}

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "<redacted>"))
}
