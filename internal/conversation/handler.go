package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const (
	maxMessageBodyBytes = 64 << 10
	adminTurnLimit      = 100
)

// Enqueuer accepts inbound messages. *Publisher implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, key string, payload []byte, receivedAt time.Time) (int64, error)
}

var _ Enqueuer = (*Publisher)(nil)

// Handler wires HTTP requests to the inbound queue and the operator views.
type Handler struct {
	enqueuer Enqueuer
	store    Store
	logger   *logging.Logger
}

// NewHandler creates a conversation handler.
func NewHandler(enqueuer Enqueuer, store Store, logger *logging.Logger) *Handler {
	if enqueuer == nil {
		panic("conversation: enqueuer cannot be nil")
	}
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		enqueuer: enqueuer,
		store:    store,
		logger:   logger,
	}
}

type enqueueResponse struct {
	ConversationKey string `json:"conversation_key"`
	Seq             int64  `json:"seq"`
}

// Message handles POST /v1/conversations/{key}/messages.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var payload InboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("failed to decode message request", "error", err, "conversation_key", key)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	seq, err := h.enqueuer.Enqueue(r.Context(), key, body, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			http.Error(w, "conversation key is required", http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to enqueue message", "error", err, "conversation_key", key)
		http.Error(w, "Failed to accept message", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusAccepted, enqueueResponse{ConversationKey: key, Seq: seq})
}

type conversationView struct {
	Conversation *Conversation `json:"conversation"`
	Turns        []Turn        `json:"turns"`
}

// Get handles GET /admin/conversations/{key}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	conv, err := h.store.Load(r.Context(), key)
	if errors.Is(err, ErrConversationNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load conversation", "error", err, "conversation_key", key)
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}
	from := conv.TurnCount - adminTurnLimit
	if from < 0 {
		from = 0
	}
	turns, err := h.store.Turns(r.Context(), key, from, adminTurnLimit)
	if err != nil {
		h.logger.Error("failed to load turns", "error", err, "conversation_key", key)
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}
	if turns == nil {
		turns = []Turn{}
	}
	conv.Checkpoint = nil
	h.writeJSON(w, http.StatusOK, conversationView{Conversation: conv, Turns: turns})
}

// Release handles POST /admin/conversations/{key}/release.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	err := h.store.Release(r.Context(), key, time.Now().UTC())
	if errors.Is(err, ErrConversationNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to release conversation", "error", err, "conversation_key", key)
		http.Error(w, "Failed to release conversation", http.StatusInternalServerError)
		return
	}
	h.logger.Info("conversation released by operator", "conversation_key", key)
	conv, err := h.store.Load(r.Context(), key)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	conv.Checkpoint = nil
	h.writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) key(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "key")
	key, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(key) == "" {
		http.Error(w, "conversation key is required", http.StatusBadRequest)
		return "", false
	}
	return strings.TrimSpace(key), true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}
