// Package web serves the embeddable chat widget over WebSocket.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
	"golang.org/x/net/websocket"
)

// ErrNoSession is returned by Deliver when the visitor is not connected.
var ErrNoSession = errors.New("web: no open session")

// MessageHandler runs one message through the conversation pipeline.
type MessageHandler interface {
	Handle(ctx context.Context, in conversation.InboundMessage) (*conversation.OutboundMessage, error)
}

// Handler manages widget connections.
type Handler struct {
	messages MessageHandler
	logger   *logging.Logger
	widgetJS []byte

	mu       sync.RWMutex
	sessions map[string]*wsConn // tenant/user -> active connection
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg OutboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.conn, msg)
}

// InboundFrame is what the widget sends.
type InboundFrame struct {
	Type      string `json:"type"` // "message", "ping"
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	ClientID  string `json:"client_message_id,omitempty"`
}

// OutboundFrame is what the widget receives.
type OutboundFrame struct {
	Type           string `json:"type"` // "session", "typing", "message", "error", "pong"
	Text           string `json:"text,omitempty"`
	Role           string `json:"role,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	Backend        string `json:"ai_model_used,omitempty"`
	Fallback       bool   `json:"fallback,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// NewHandler creates a widget handler.
func NewHandler(messages MessageHandler, widgetJS []byte, logger *logging.Logger) *Handler {
	if messages == nil {
		panic("web: message handler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		messages: messages,
		logger:   logger,
		widgetJS: widgetJS,
		sessions: make(map[string]*wsConn),
	}
}

// Channel implements channels.Deliverer.
func (h *Handler) Channel() conversation.Channel { return conversation.ChannelWeb }

// Routes mounts the socket and widget script under a tenant-scoped router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.HandleWebSocket)
	r.Get("/widget.js", h.HandleWidgetJS)
}

func sessionKey(slug, sessionID string) string {
	return strings.ToLower(slug) + "/" + sessionID
}

// generateSessionID creates a random session identifier.
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(b)
}

func tenantSlug(r *http.Request) string {
	if slug := chi.URLParam(r, "slug"); slug != "" {
		return slug
	}
	slug, _ := tenancy.TenantSlugFromContext(r.Context())
	return slug
}

// HandleWebSocket upgrades to WebSocket and serves one visitor session.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	slug := tenantSlug(r)
	if slug == "" {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r, slug)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request, slug string) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		sessionID = generateSessionID()
	}
	key := sessionKey(slug, sessionID)

	wsc := &wsConn{conn: conn}
	h.mu.Lock()
	h.sessions[key] = wsc
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.sessions[key] == wsc {
			delete(h.sessions, key)
		}
		h.mu.Unlock()
	}()

	_ = wsc.send(OutboundFrame{Type: "session", SessionID: sessionID})
	h.logger.Info("web: connection opened", "tenant", slug, "session_id", sessionID)

	for {
		var frame InboundFrame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			h.logger.Debug("web: connection closed", "tenant", slug, "error", err)
			return
		}

		switch frame.Type {
		case "ping":
			_ = wsc.send(OutboundFrame{Type: "pong"})
			continue
		case "message":
		default:
			continue
		}
		if strings.TrimSpace(frame.Text) == "" && strings.TrimSpace(frame.MediaURL) == "" {
			continue
		}

		in := conversation.InboundMessage{
			TenantSlug:       slug,
			Channel:          conversation.ChannelWeb,
			ExternalUserID:   sessionID,
			Text:             frame.Text,
			MediaURL:         frame.MediaURL,
			MediaType:        frame.MediaType,
			ChannelMessageID: frame.ClientID,
		}
		// A closed socket cancels r.Context(); Handle still records the exchange.
		_ = wsc.send(OutboundFrame{Type: "typing"})
		out, err := h.messages.Handle(r.Context(), in)
		if err != nil {
			h.logger.Warn("web: message not handled", "tenant", slug, "session_id", sessionID, "error", err)
			_ = wsc.send(OutboundFrame{Type: "error", Text: errorText(err)})
			if errors.Is(err, tenancy.ErrTenantNotFound) || errors.Is(err, conversation.ErrChannelDisabled) {
				return
			}
			continue
		}
		_ = wsc.send(replyFrame(out))
	}
}

func replyFrame(out *conversation.OutboundMessage) OutboundFrame {
	return OutboundFrame{
		Type:           "message",
		Role:           string(conversation.RoleAssistant),
		Text:           out.Text,
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
		Seq:            out.Seq,
		Backend:        out.BackendUsed,
		Fallback:       out.Fallback,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, conversation.ErrInvalidMessage):
		return "Message could not be processed."
	case errors.Is(err, tenancy.ErrTenantNotFound), errors.Is(err, conversation.ErrChannelDisabled):
		return "Chat is not available."
	default:
		return "Sorry, something went wrong. Please try again."
	}
}

// Deliver pushes a reply to the visitor's open socket.
func (h *Handler) Deliver(_ context.Context, tenant *tenancy.Tenant, in conversation.InboundMessage, out *conversation.OutboundMessage) error {
	h.mu.RLock()
	wsc, ok := h.sessions[sessionKey(tenant.Slug, in.ExternalUserID)]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return wsc.send(replyFrame(out))
}

// Sessions returns the number of open sockets.
func (h *Handler) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleWidgetJS serves the embeddable widget JavaScript.
func (h *Handler) HandleWidgetJS(w http.ResponseWriter, r *http.Request) {
	if len(h.widgetJS) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(h.widgetJS)
}
