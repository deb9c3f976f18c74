package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	appconfig "github.com/wolfman30/comchat-platform/internal/config"
)

func request(method, path string) events.APIGatewayV2HTTPRequest {
	return events.APIGatewayV2HTTPRequest{
		RawPath: path,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method: method,
				Path:   path,
			},
		},
	}
}

func TestLoadConfig(t *testing.T) {
	if _, err := loadConfig(&appconfig.Config{}); err == nil {
		t.Fatalf("expected error without upstream")
	}
	t.Setenv("UPSTREAM_TIMEOUT", "2s")
	cfg, err := loadConfig(&appconfig.Config{WebhookLambdaUpstream: "https://api.example.com/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.upstreamBaseURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.upstreamBaseURL)
	}
	if cfg.upstreamTimeout != 2*time.Second {
		t.Fatalf("expected 2s timeout, got %s", cfg.upstreamTimeout)
	}
}

func TestHandleHealth(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://example.com", upstreamTimeout: time.Second}
	resp, err := handle(context.Background(), cfg, &http.Client{}, request(http.MethodGet, "/health"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Body != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", resp.StatusCode, resp.Body)
	}
}

func TestHandleRejectsGetForTelegram(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://example.com", upstreamTimeout: time.Second}
	resp, err := handle(context.Background(), cfg, &http.Client{}, request(http.MethodGet, "/v1/webhooks/telegram/acme"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, resp.StatusCode)
	}
}

func TestHandleRejectsUnknownPath(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://example.com", upstreamTimeout: time.Second}
	for _, path := range []string{"/webhooks/unknown", "/v1/webhooks/sms/acme", "/v1/webhooks/whatsapp/Bad_Slug"} {
		resp, err := handle(context.Background(), cfg, &http.Client{}, request(http.MethodPost, path))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusNotFound, resp.StatusCode)
		}
	}
}

func TestHandleInvalidBase64Body(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://example.com", upstreamTimeout: time.Second}
	evt := request(http.MethodPost, "/v1/webhooks/telegram/acme")
	evt.Body = "not-base64"
	evt.IsBase64Encoded = true

	resp, err := handle(context.Background(), cfg, &http.Client{}, evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
}

type captured struct {
	method  string
	path    string
	query   string
	headers http.Header
	body    string
}

func capturingUpstream(t *testing.T, status int) (*httptest.Server, <-chan captured) {
	t.Helper()
	reqCh := make(chan captured, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqCh <- captured{
			method:  r.Method,
			path:    r.URL.Path,
			query:   r.URL.RawQuery,
			headers: r.Header.Clone(),
			body:    string(body),
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("challenge-123"))
	}))
	t.Cleanup(upstream.Close)
	return upstream, reqCh
}

func TestHandleForwardsWhatsAppWebhook(t *testing.T) {
	upstream, reqCh := capturingUpstream(t, http.StatusOK)
	cfg := config{upstreamBaseURL: upstream.URL, upstreamTimeout: time.Second}

	evt := request(http.MethodPost, "/v1/webhooks/whatsapp/acme")
	evt.Body = base64.StdEncoding.EncodeToString([]byte(`{"object":"whatsapp_business_account"}`))
	evt.IsBase64Encoded = true
	evt.Headers = map[string]string{
		"content-type":        "application/json",
		"x-hub-signature-256": "sha256=abc",
	}
	evt.RequestContext.HTTP.SourceIP = "203.0.113.9"

	resp, err := handle(context.Background(), cfg, upstream.Client(), evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	select {
	case got := <-reqCh:
		if got.method != http.MethodPost || got.path != "/v1/webhooks/whatsapp/acme" {
			t.Fatalf("unexpected upstream request %s %s", got.method, got.path)
		}
		if got.body != `{"object":"whatsapp_business_account"}` {
			t.Fatalf("expected raw body forwarded, got %q", got.body)
		}
		if got.headers.Get("X-Hub-Signature-256") != "sha256=abc" {
			t.Fatalf("expected signature forwarded, got %q", got.headers.Get("X-Hub-Signature-256"))
		}
		if got.headers.Get("X-Real-Ip") != "203.0.113.9" {
			t.Fatalf("expected source ip forwarded, got %q", got.headers.Get("X-Real-Ip"))
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for upstream request")
	}
}

func TestHandleForwardsWhatsAppVerification(t *testing.T) {
	upstream, reqCh := capturingUpstream(t, http.StatusOK)
	cfg := config{upstreamBaseURL: upstream.URL, upstreamTimeout: time.Second}

	evt := request(http.MethodGet, "/v1/webhooks/whatsapp/acme")
	evt.RawQueryString = "hub.mode=subscribe&hub.verify_token=t&hub.challenge=challenge-123"

	resp, err := handle(context.Background(), cfg, upstream.Client(), evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Body != "challenge-123" {
		t.Fatalf("expected challenge echoed, got %q", resp.Body)
	}
	if ct := resp.Headers["content-type"]; ct != "text/plain" {
		t.Fatalf("expected content-type forwarded, got %q", ct)
	}
	got := <-reqCh
	if got.query != evt.RawQueryString {
		t.Fatalf("expected query forwarded, got %q", got.query)
	}
}

func TestHandleForwardsTelegramSecret(t *testing.T) {
	upstream, reqCh := capturingUpstream(t, http.StatusOK)
	cfg := config{upstreamBaseURL: upstream.URL, upstreamTimeout: time.Second}

	evt := request(http.MethodPost, "/v1/webhooks/telegram/acme")
	evt.Body = `{"update_id":1}`
	evt.Headers = map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"}

	if _, err := handle(context.Background(), cfg, upstream.Client(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := <-reqCh
	if got.headers.Get("X-Telegram-Bot-Api-Secret-Token") != "tg-secret" {
		t.Fatalf("expected telegram secret forwarded, got %q", got.headers.Get("X-Telegram-Bot-Api-Secret-Token"))
	}
}

func TestHandleUpstreamDown(t *testing.T) {
	upstream, _ := capturingUpstream(t, http.StatusOK)
	upstream.Close()
	cfg := config{upstreamBaseURL: upstream.URL, upstreamTimeout: time.Second}

	resp, err := handle(context.Background(), cfg, &http.Client{}, request(http.MethodPost, "/v1/webhooks/telegram/acme"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, resp.StatusCode)
	}
}
