package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// MessageHandler handles one inbound message synchronously.
type MessageHandler interface {
	Handle(ctx context.Context, in InboundMessage) (*OutboundMessage, error)
}

// Handler exposes the chat API used by the web widget and integrations.
type Handler struct {
	messages MessageHandler
	store    Store
	tenants  tenancy.Directory
	logger   *logging.Logger
}

// NewHandler creates a chat API handler.
func NewHandler(messages MessageHandler, store Store, tenants tenancy.Directory, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{messages: messages, store: store, tenants: tenants, logger: logger}
}

// SendRequest is the body of POST /v1/tenants/{slug}/chat/send.
type SendRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// SendResponse is the reply to SendRequest.
type SendResponse struct {
	Response         string `json:"response"`
	ConversationID   string `json:"conversation_id"`
	MessageID        string `json:"message_id"`
	Seq              int64  `json:"seq"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	AIModelUsed      string `json:"ai_model_used"`
	Fallback         bool   `json:"fallback"`
}

// HistoryResponse lists conversation messages oldest first.
type HistoryResponse struct {
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	Messages       []Message `json:"messages"`
}

func tenantSlug(r *http.Request) string {
	if slug := chi.URLParam(r, "slug"); slug != "" {
		return slug
	}
	slug, _ := tenancy.TenantSlugFromContext(r.Context())
	return slug
}

// Send handles POST /v1/tenants/{slug}/chat/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode send request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	out, err := h.messages.Handle(r.Context(), InboundMessage{
		TenantSlug:     tenantSlug(r),
		Channel:        ChannelWeb,
		ExternalUserID: strings.TrimSpace(req.UserID),
		Text:           req.Message,
		MediaURL:       req.MediaURL,
		MediaType:      req.MediaType,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SendResponse{
		Response:         out.Text,
		ConversationID:   out.ConversationID,
		MessageID:        out.MessageID,
		Seq:              out.Seq,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		AIModelUsed:      out.BackendUsed,
		Fallback:         out.Fallback,
	})
}

// History handles GET /v1/tenants/{slug}/chat/history?conversation_id=&limit=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	tenant, err := h.tenants.BySlug(r.Context(), tenantSlug(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	conv, err := h.store.Get(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if conv.TenantID != tenant.ID {
		h.writeError(w, ErrConversationNotFound)
		return
	}
	msgs, err := h.store.History(r.Context(), conv.ID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	h.writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: conv.ID, Status: conv.Status, Messages: msgs})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, tenancy.ErrTenantNotFound), errors.Is(err, ErrConversationNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, ErrChannelDisabled):
		http.Error(w, "Channel disabled", http.StatusForbidden)
	case errors.Is(err, ErrDuplicateMessage):
		http.Error(w, "Message already handled", http.StatusConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.Error("chat request failed", "error", err)
		w.Header().Set("Retry-After", "5")
		http.Error(w, "Temporarily unavailable, please retry", http.StatusServiceUnavailable)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}
