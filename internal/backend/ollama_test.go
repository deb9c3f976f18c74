package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGenerate(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"role": "assistant", "content": "Hi!"},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 12,
			"eval_count":        4,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/", srv.Client())
	out, err := p.Generate(context.Background(), Request{
		Model:  "llava:latest",
		System: []string{"system prompt", " "},
		Turns: []Turn{
			{Role: RoleUser, Text: "look", Image: &Image{MIMEType: "image/png", Data: []byte("png")}},
		},
		MaxTokens: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", out.Text)
	assert.Equal(t, int32(16), out.Usage.TotalTokens)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, []string{base64.StdEncoding.EncodeToString([]byte("png"))}, got.Messages[1].Images)
	assert.Equal(t, int32(100), got.Options.NumPredict)
}

func TestOllamaStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusBadRequest, ErrInvalidRequest},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusNotFound, ErrUnavailable},
		{http.StatusGatewayTimeout, ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := NewOllamaProvider(srv.URL, srv.Client()).Generate(context.Background(), Request{Model: "m", Turns: []Turn{{Role: RoleUser, Text: "x"}}})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestOllamaUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOllamaProvider(url, nil).Generate(context.Background(), Request{Model: "m", Turns: []Turn{{Role: RoleUser, Text: "x"}}})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOllamaProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:3b"},{"name":"llava:latest"}]}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, srv.Client())
	require.NoError(t, p.Probe(context.Background(), "llama3.2:3b"))
	require.NoError(t, p.Probe(context.Background(), "llava"))
	assert.ErrorIs(t, p.Probe(context.Background(), "mistral"), ErrUnavailable)
}
