package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/internal/channels/whatsapp"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/comchat-platform/internal/http/middleware"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

const adminSecret = "admin-secret"

type stubMessages struct {
	mu  sync.Mutex
	got []conversation.InboundMessage
}

func (s *stubMessages) Handle(_ context.Context, in conversation.InboundMessage) (*conversation.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, in)
	return &conversation.OutboundMessage{ConversationID: "conv-1", MessageID: "msg-2", Seq: 2, Text: "hi there", BackendUsed: "llama"}, nil
}

type staticBackends []backend.Descriptor

func (s staticBackends) Descriptors() []backend.Descriptor { return s }

func newTestRouter(t *testing.T, mutate func(*Config)) (http.Handler, *stubMessages) {
	t.Helper()
	logger := logging.Discard()
	messages := &stubMessages{}
	tenants := tenancy.NewStaticDirectory(tenancy.Tenant{Slug: "acme", Name: "Acme", Active: true})

	cfg := &Config{
		Logger:   logger,
		Chat:     conversation.NewHandler(messages, conversation.NewMemoryStore(), tenants, logger),
		WhatsApp: whatsapp.NewAdapter(whatsapp.Config{VerifyToken: "verify-me"}, tenants, nil, logger),
		AdminBackends: handlers.NewAdminBackendsHandler(staticBackends{
			{Name: "llama", Provider: backend.ProviderOllama, Model: "llama3", Modalities: []backend.Modality{backend.ModalityText}},
		}, nil, nil, logger),
		AdminAuthSecret: adminSecret,
		MetricsHandler:  http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg), messages
}

func serve(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, httpmiddleware.AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Scope: httpmiddleware.AdminScope,
	})
	signed, err := token.SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return signed
}

func TestRouterHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := serve(router, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := serve(router, http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestRouterChatSend(t *testing.T) {
	router, messages := newTestRouter(t, nil)

	rec := serve(router, http.MethodPost, "/v1/tenants/acme/chat/send",
		`{"user_id":"visitor-1","message":"hello"}`,
		map[string]string{"Content-Type": "application/json"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp conversation.SendResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "hi there", resp.Response)
	assert.Equal(t, "llama", resp.AIModelUsed)

	require.Len(t, messages.got, 1)
	assert.Equal(t, "acme", messages.got[0].TenantSlug)
	assert.Equal(t, conversation.ChannelWeb, messages.got[0].Channel)
	assert.Equal(t, "visitor-1", messages.got[0].ExternalUserID)
	assert.NotEmpty(t, rec.Header().Get(httpmiddleware.RequestIDHeader))
}

func TestRouterRejectsInvalidSlug(t *testing.T) {
	router, messages := newTestRouter(t, nil)

	rec := serve(router, http.MethodPost, "/v1/tenants/bad_slug/chat/send", `{"user_id":"u","message":"hi"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, messages.got)
}

func TestRouterRateLimitsChat(t *testing.T) {
	router, _ := newTestRouter(t, func(cfg *Config) {
		cfg.RateLimiter = httpmiddleware.NewRateLimiter(0.001, 1)
	})
	body := `{"user_id":"u","message":"hi"}`

	require.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/v1/tenants/acme/chat/send", body, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodPost, "/v1/tenants/acme/chat/send", body, nil).Code)
}

func TestRouterWhatsAppVerification(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := serve(router, http.MethodGet,
		"/v1/webhooks/whatsapp/acme?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=4242", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4242", rec.Body.String())
}

func TestRouterAdminRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/admin/backends", "", nil).Code)

	rec := serve(router, http.MethodGet, "/admin/backends", "", map[string]string{"Authorization": "Bearer " + adminToken(t)})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.BackendsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Backends, 1)
	assert.Equal(t, "llama", resp.Backends[0].Name)
}

func TestRouterAdminDisabledWithoutSecret(t *testing.T) {
	router, _ := newTestRouter(t, func(cfg *Config) { cfg.AdminAuthSecret = "" })

	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/admin/backends", "", nil).Code)
}
