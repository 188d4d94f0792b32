package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt64(r, "userID")
	if !ok {
		JSONError(w, NewBadRequest("invalid user id"))
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"

	msgs, err := s.deps.Messages.ListForUser(r.Context(), userID, unreadOnly, queryLimit(r, defaultMessageLimit, maxMessageLimit))
	if err != nil {
		logger.Error("failed to list messages", "user_id", userID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}
	OK(w, msgs)
}

func (s *Server) markMessageRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	found, err := s.deps.Messages.MarkRead(r.Context(), id, s.deps.Clock())
	if err != nil {
		logger.Error("failed to mark message read", "message_id", id, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}
	if !found {
		JSONError(w, ErrMessageNotFound)
		return
	}
	NoContent(w)
}
