package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SendMessage(t *testing.T) {
	var got SendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:abc/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true,"result":{"message_id":9}}`))
	}))
	defer srv.Close()

	c := NewClient("123:abc")
	c.SetAPIBase(srv.URL + "/")
	require.NoError(t, c.SendMessage(context.Background(), SendMessageRequest{ChatID: "42", Text: "hi", ReplyToMessageID: 7}))
	assert.Equal(t, SendMessageRequest{ChatID: "42", Text: "hi", ReplyToMessageID: 7}, got)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	c := NewClient("123:abc")
	c.SetAPIBase(srv.URL)
	err := c.SendMessage(context.Background(), SendMessageRequest{ChatID: "42", Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestClient_RequiresToken(t *testing.T) {
	assert.Error(t, NewClient("").SendMessage(context.Background(), SendMessageRequest{ChatID: "1", Text: "x"}))
}

func TestClient_FileURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["file_id"] != "photo-big" {
			w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"file_id":"photo-big","file_path":"photos/file_1.jpg"}}`))
	}))
	defer srv.Close()

	c := NewClient("123:abc")
	c.SetAPIBase(srv.URL)
	u, err := c.FileURL(context.Background(), "photo-big")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/file/bot123:abc/photos/file_1.jpg", u)

	_, err = c.FileURL(context.Background(), "nope")
	assert.Error(t, err)
}

func TestClient_TransportErrorRedactsToken(t *testing.T) {
	c := NewClient("123:secret")
	c.SetAPIBase("http://127.0.0.1:1")
	err := c.SendMessage(context.Background(), SendMessageRequest{ChatID: "1", Text: "x"})
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "123:secret"), err.Error())
}
