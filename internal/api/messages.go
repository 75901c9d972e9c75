package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/models"
	"go-chat-realtime/internal/store"
)

const (
	maxMessageBody  = 64 << 10
	defaultPageSize = 50
	maxPageSize     = 200
)

type messageRequest struct {
	Content string  `json:"content"`
	FileURL *string `json:"fileUrl"`
}

// postMessage stores a direct message and broadcasts it to the
// conversation's topic. The broadcast does not affect the response.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	profile, err := s.store.FindProfile(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "Conversation ID missing")
		return
	}

	var req messageRequest
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil || json.Unmarshal(raw, &req) != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	if req.FileURL != nil && strings.TrimSpace(*req.FileURL) == "" {
		req.FileURL = nil
	}
	if strings.TrimSpace(req.Content) == "" && req.FileURL == nil {
		writeError(w, http.StatusBadRequest, "Content missing")
		return
	}

	_, err = s.store.FindConversationForProfile(ctx, conversationID, profile.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	msg, err := s.store.CreateMessage(ctx, conversationID, profile.ID, req.Content, req.FileURL)
	if err != nil {
		s.internalError(w, err)
		return
	}
	payload := msg.Transform()

	if err := s.broadcaster.BroadcastMessage(ctx, models.TopicKey(conversationID), payload); err != nil {
		s.logger.Warn("[DIRECT_MESSAGES_POST] Broadcast failed", "conversation", conversationID, "message", msg.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.MessagesPosted.Inc()
	}

	writeJSON(w, http.StatusOK, payload)
}

// listMessages is the read side clients use to catch up after a reconnect.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "Conversation ID missing")
		return
	}
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxPageSize)
	}

	member, err := s.store.IsParticipant(ctx, conversationID, claims.Subject)
	if err != nil {
		s.logger.Error("[DIRECT_MESSAGES_GET]", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Error")
		return
	}
	if !member {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		s.logger.Error("[DIRECT_MESSAGES_GET]", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Error")
		return
	}

	items := make([]models.MessageCreatedData, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, m.Transform())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("[DIRECT_MESSAGES_POST]", "error", err)
	writeError(w, http.StatusInternalServerError, "Internal Error")
}
