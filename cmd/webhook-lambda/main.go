package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	appconfig "github.com/wolfman30/comchat-platform/internal/config"
)

// webhookPath matches the channel webhook routes served by the API.
var webhookPath = regexp.MustCompile(`^/v1/webhooks/(whatsapp|telegram)/[a-z0-9][a-z0-9-]{0,63}$`)

// forwardedHeaders carry the channel signatures the API verifies.
var forwardedHeaders = []string{
	"x-hub-signature-256",
	"x-telegram-bot-api-secret-token",
}

const maxBodyBytes = 1 << 20

type config struct {
	upstreamBaseURL string
	upstreamTimeout time.Duration
}

func loadConfig(cfg *appconfig.Config) (config, error) {
	baseURL := strings.TrimSpace(cfg.WebhookLambdaUpstream)
	if baseURL == "" {
		return config{}, errors.New("WEBHOOK_UPSTREAM_URL is required")
	}

	timeout := 5 * time.Second
	if raw := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	return config{
		upstreamBaseURL: strings.TrimRight(baseURL, "/"),
		upstreamTimeout: timeout,
	}, nil
}

func main() {
	cfg, err := loadConfig(appconfig.Load())
	if err != nil {
		panic(err)
	}

	client := &http.Client{Timeout: cfg.upstreamTimeout}
	lambda.Start(func(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		return handle(ctx, cfg, client, evt)
	})
}

func handle(ctx context.Context, cfg config, client *http.Client, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(evt.RequestContext.HTTP.Method))
	path := strings.TrimSpace(evt.RawPath)
	if path == "" {
		path = strings.TrimSpace(evt.RequestContext.HTTP.Path)
	}

	if path == "/health" || path == "/_health" {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusOK, Body: "ok"}, nil
	}

	match := webhookPath.FindStringSubmatch(path)
	if match == nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNotFound}, nil
	}
	// WhatsApp verifies the subscription with a GET; everything else is a POST.
	switch {
	case method == http.MethodPost:
	case method == http.MethodGet && match[1] == "whatsapp":
	default:
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusMethodNotAllowed}, nil
	}

	body, err := decodeBody(evt)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest, Body: "invalid body"}, nil
	}
	if len(body) > maxBodyBytes {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusRequestEntityTooLarge}, nil
	}

	upstreamURL := cfg.upstreamBaseURL + path
	if qs := strings.TrimSpace(evt.RawQueryString); qs != "" {
		upstreamURL += "?" + qs
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusInternalServerError}, nil
	}

	if ct := headerValue(evt.Headers, "content-type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	// Signatures are computed over the raw body, which is forwarded unchanged.
	for _, h := range forwardedHeaders {
		copyHeader(req.Header, evt.Headers, h)
	}
	if ip := strings.TrimSpace(evt.RequestContext.HTTP.SourceIP); ip != "" {
		req.Header.Set("X-Real-Ip", ip)
	}

	resp, err := client.Do(req)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadGateway, Body: "upstream error"}, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	out := events.APIGatewayV2HTTPResponse{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Headers:    map[string]string{},
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		out.Headers["content-type"] = ct
	}
	return out, nil
}

func decodeBody(evt events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if !evt.IsBase64Encoded {
		return []byte(evt.Body), nil
	}
	return base64.StdEncoding.DecodeString(evt.Body)
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func copyHeader(dst http.Header, src map[string]string, header string) {
	if value := strings.TrimSpace(headerValue(src, header)); value != "" {
		dst.Set(header, value)
	}
}
