package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/comchat-platform/internal/channels"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/events"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

type recordingQueue struct {
	mu  sync.Mutex
	got []conversation.InboundMessage
}

func (q *recordingQueue) Enqueue(_ context.Context, in conversation.InboundMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.got = append(q.got, in)
	return "job", nil
}

type graphStub struct {
	mu   sync.Mutex
	sent []SendRequest
	auth []string
}

func (g *graphStub) server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.auth = append(g.auth, r.Header.Get("Authorization"))
		g.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/media-1":
			w.Write([]byte(`{"id":"media-1","url":"https://lookaside.fbsbx.com/m1","mime_type":"image/jpeg"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			var req SendRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			g.mu.Lock()
			g.sent = append(g.sent, req)
			g.mu.Unlock()
			w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestAdapter(t *testing.T, graphURL string, q channels.Enqueuer, tenants ...tenancy.Tenant) (*Adapter, http.Handler) {
	t.Helper()
	dir := tenancy.NewStaticDirectory(tenants...)
	intake := channels.NewIntake(q, events.NewMemoryProcessed(), nil, logging.Discard())
	a := NewAdapter(Config{AccessToken: "svc", PhoneNumberID: "svc-phone", AppSecret: "app_secret", VerifyToken: "verify"}, dir, intake, logging.Discard())
	a.Client().SetGraphAPIBase(graphURL)
	r := chi.NewRouter()
	r.Route("/webhooks/whatsapp", a.Routes)
	return a, r
}

func post(h http.Handler, path, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SignatureHeader, sign(secret, []byte(body)))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAdapter_WebhookEnqueuesNormalizedMessages(t *testing.T) {
	graph := &graphStub{}
	srv := graph.server(t)
	defer srv.Close()
	q := &recordingQueue{}
	_, h := newTestAdapter(t, srv.URL, q, tenancy.Tenant{Slug: "acme", Active: true})

	w := post(h, "/webhooks/whatsapp/acme", samplePayload, "app_secret")
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, q.got, 2)
	text := q.got[0]
	assert.Equal(t, "acme", text.TenantSlug)
	assert.Equal(t, conversation.ChannelWhatsApp, text.Channel)
	assert.Equal(t, "15551234567", text.ExternalUserID)
	assert.Equal(t, "wamid.1", text.ChannelMessageID)
	assert.Equal(t, "1098", text.ReplyTo[ReplyToPhoneNumberID])

	image := q.got[1]
	assert.Equal(t, "whatsapp:media/media-1", image.MediaURL)
	assert.Equal(t, "image/jpeg", image.MediaType)
	assert.Equal(t, "is this covered?", image.Text)

	// Meta redelivers; nothing new is enqueued.
	w = post(h, "/webhooks/whatsapp/acme", samplePayload, "app_secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, q.got, 2)
}

func TestAdapter_ResolveMediaUsesTenantToken(t *testing.T) {
	graph := &graphStub{}
	srv := graph.server(t)
	defer srv.Close()
	a, _ := newTestAdapter(t, srv.URL, &recordingQueue{},
		tenancy.Tenant{Slug: "acme", Active: true},
		tenancy.Tenant{Slug: "own-number", Active: true, Credentials: tenancy.Credentials{WhatsAppAccessToken: "tenant-token"}},
	)

	u, token, err := a.ResolveMedia(context.Background(), "own-number", "media/media-1")
	require.NoError(t, err)
	assert.Equal(t, "https://lookaside.fbsbx.com/m1", u)
	assert.Equal(t, "tenant-token", token)

	_, token, err = a.ResolveMedia(context.Background(), "acme", "media/media-1")
	require.NoError(t, err)
	assert.Equal(t, "svc", token)

	graph.mu.Lock()
	assert.Equal(t, []string{"Bearer tenant-token", "Bearer svc"}, graph.auth)
	graph.mu.Unlock()

	_, _, err = a.ResolveMedia(context.Background(), "acme", "sticker/1")
	assert.Error(t, err)
}

func TestAdapter_WebhookRejections(t *testing.T) {
	q := &recordingQueue{}
	_, h := newTestAdapter(t, "http://127.0.0.1:0", q,
		tenancy.Tenant{Slug: "acme", Active: true},
		tenancy.Tenant{Slug: "webonly", Active: true, EnabledChannels: []string{"web"}},
	)

	assert.Equal(t, http.StatusUnauthorized, post(h, "/webhooks/whatsapp/acme", samplePayload, "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, post(h, "/webhooks/whatsapp/acme", samplePayload, "").Code)
	assert.Equal(t, http.StatusNotFound, post(h, "/webhooks/whatsapp/ghost", samplePayload, "app_secret").Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/webhooks/whatsapp/acme", "{not json", "app_secret").Code)
	assert.Equal(t, http.StatusOK, post(h, "/webhooks/whatsapp/webonly", samplePayload, "app_secret").Code)
	assert.Empty(t, q.got)
}

func TestAdapter_VerificationRoute(t *testing.T) {
	_, h := newTestAdapter(t, "http://127.0.0.1:0", &recordingQueue{})
	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp/acme?hub.mode=subscribe&hub.verify_token=verify&hub.challenge=abc", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Body.String())
}

func TestAdapter_DeliverUsesTenantCredentials(t *testing.T) {
	graph := &graphStub{}
	srv := graph.server(t)
	defer srv.Close()
	a, _ := newTestAdapter(t, srv.URL, &recordingQueue{})

	tenant := &tenancy.Tenant{Slug: "acme", Credentials: tenancy.Credentials{WhatsAppAccessToken: "tenant_token"}}
	in := conversation.InboundMessage{ExternalUserID: "15551234567", ReplyTo: map[string]string{ReplyToPhoneNumberID: "1098"}}
	err := a.Deliver(context.Background(), tenant, in, &conversation.OutboundMessage{Text: "We are open 9-5."})
	require.NoError(t, err)

	graph.mu.Lock()
	defer graph.mu.Unlock()
	require.Len(t, graph.sent, 1)
	assert.Equal(t, "15551234567", graph.sent[0].To)
	assert.Equal(t, "We are open 9-5.", graph.sent[0].Text.Body)
	assert.Equal(t, []string{"Bearer tenant_token"}, graph.auth)
	assert.Equal(t, conversation.ChannelWhatsApp, a.Channel())
}
