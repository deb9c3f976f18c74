package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
	"golang.org/x/net/websocket"
)

type stubMessages struct {
	mu  sync.Mutex
	got []conversation.InboundMessage
	err error
}

func (s *stubMessages) Handle(_ context.Context, in conversation.InboundMessage) (*conversation.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, in)
	if s.err != nil {
		return nil, s.err
	}
	return &conversation.OutboundMessage{
		ConversationID: "conv-1",
		MessageID:      "msg-2",
		Seq:            int64(len(s.got) * 2),
		Text:           "echo: " + in.Text,
		BackendUsed:    "llama",
	}, nil
}

func (s *stubMessages) calls() []conversation.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.InboundMessage(nil), s.got...)
}

func newServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/v1/tenants/{slug}/chat", h.Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, err := websocket.Dial(url, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *websocket.Conn) OutboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame OutboundFrame
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	return frame
}

func TestWebSocket_MessageRoundTrip(t *testing.T) {
	msgs := &stubMessages{}
	h := NewHandler(msgs, nil, logging.Discard())
	srv := newServer(t, h)
	conn := dial(t, srv, "/v1/tenants/acme/chat/ws?session=visitor-1")

	session := receive(t, conn)
	assert.Equal(t, "session", session.Type)
	assert.Equal(t, "visitor-1", session.SessionID)

	require.NoError(t, websocket.JSON.Send(conn, InboundFrame{Type: "ping"}))
	assert.Equal(t, "pong", receive(t, conn).Type)

	require.NoError(t, websocket.JSON.Send(conn, InboundFrame{Type: "message", Text: "hello", ClientID: "c-1"}))
	assert.Equal(t, "typing", receive(t, conn).Type)
	reply := receive(t, conn)
	assert.Equal(t, "message", reply.Type)
	assert.Equal(t, "assistant", reply.Role)
	assert.Equal(t, "echo: hello", reply.Text)
	assert.Equal(t, "conv-1", reply.ConversationID)
	assert.Equal(t, "llama", reply.Backend)

	got := msgs.calls()
	require.Len(t, got, 1)
	assert.Equal(t, conversation.InboundMessage{
		TenantSlug:       "acme",
		Channel:          conversation.ChannelWeb,
		ExternalUserID:   "visitor-1",
		Text:             "hello",
		ChannelMessageID: "c-1",
	}, got[0])
}

func TestWebSocket_GeneratesSessionAndReportsErrors(t *testing.T) {
	msgs := &stubMessages{err: conversation.ErrStoreFailure}
	h := NewHandler(msgs, nil, logging.Discard())
	srv := newServer(t, h)
	conn := dial(t, srv, "/v1/tenants/acme/chat/ws")

	session := receive(t, conn)
	assert.Len(t, session.SessionID, 32)

	require.NoError(t, websocket.JSON.Send(conn, InboundFrame{Type: "message", Text: "hello"}))
	assert.Equal(t, "typing", receive(t, conn).Type)
	frame := receive(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, "Sorry, something went wrong. Please try again.", frame.Text)
}

func TestWebSocket_UnknownTenantClosesSession(t *testing.T) {
	msgs := &stubMessages{err: tenancy.ErrTenantNotFound}
	h := NewHandler(msgs, nil, logging.Discard())
	srv := newServer(t, h)
	conn := dial(t, srv, "/v1/tenants/ghost/chat/ws?session=s")

	receive(t, conn)
	require.NoError(t, websocket.JSON.Send(conn, InboundFrame{Type: "message", Text: "hello"}))
	receive(t, conn)
	assert.Equal(t, "Chat is not available.", receive(t, conn).Text)

	require.Eventually(t, func() bool { return h.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDeliver_PushesToOpenSession(t *testing.T) {
	h := NewHandler(&stubMessages{}, nil, logging.Discard())
	srv := newServer(t, h)
	conn := dial(t, srv, "/v1/tenants/acme/chat/ws?session=visitor-2")
	receive(t, conn)

	tenant := &tenancy.Tenant{Slug: "acme"}
	err := h.Deliver(context.Background(), tenant, conversation.InboundMessage{ExternalUserID: "visitor-2"}, &conversation.OutboundMessage{Text: "later reply"})
	require.NoError(t, err)
	assert.Equal(t, "later reply", receive(t, conn).Text)

	err = h.Deliver(context.Background(), tenant, conversation.InboundMessage{ExternalUserID: "nobody"}, &conversation.OutboundMessage{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestHandleWidgetJS(t *testing.T) {
	h := NewHandler(&stubMessages{}, []byte("// widget"), logging.Discard())
	w := httptest.NewRecorder()
	h.HandleWidgetJS(w, httptest.NewRequest(http.MethodGet, "/widget.js", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
	assert.Equal(t, "// widget", w.Body.String())

	w = httptest.NewRecorder()
	NewHandler(&stubMessages{}, nil, logging.Discard()).HandleWidgetJS(w, httptest.NewRequest(http.MethodGet, "/widget.js", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
