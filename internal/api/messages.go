package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/executor"
	"github.com/ashureev/polya-classroom/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxMessageRunes = 2000

var (
	errEmptyMessage   = errors.New("message content is empty")
	errMessageTooLong = fmt.Errorf("message exceeds %d characters", maxMessageRunes)
)

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage records a user message, pushes it to clients and starts a turn.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req postMessageRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := h.postUserMessage(r.Context(), sessionID, req.Content)
	switch {
	case errors.Is(err, errEmptyMessage), errors.Is(err, errMessageTooLong):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.writeStoreError(w, "failed to post message", err)
		return
	}
	JSON(w, http.StatusCreated, event)
}

// postUserMessage is shared by the HTTP and websocket paths.
func (h *Handler) postUserMessage(ctx context.Context, sessionID, content string) (domain.Event, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Event{}, errEmptyMessage
	}
	if len([]rune(content)) > maxMessageRunes {
		return domain.Event{}, errMessageTooLong
	}

	session, err := h.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Event{}, err
	}
	event, err := h.Log.Append(ctx, sessionID, domain.EventUserMessage, session.UserID, session.UserName, content,
		domain.EventMeta{PhaseID: session.CurrentStageID})
	if err != nil {
		return domain.Event{}, err
	}
	h.Streams.Broadcast(sessionID, executor.EventNewMessage, event)

	if err := h.Triggers.HandleExternalTrigger(ctx, sessionID, event); err != nil {
		// The message is stored; a missed turn is not the sender's error.
		h.logger.Warn("Failed to trigger turn", "session_id", sessionID, "error", err)
	}
	return event, nil
}

// Stream serves the session's SSE event stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := h.loadSession(w, r, sessionID); !ok {
		return
	}
	h.Streams.ServeSSE(w, r, sessionID)
}

// WebSocket serves the bidirectional session stream.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := h.loadSession(w, r, sessionID); !ok {
		return
	}
	h.Streams.ServeWS(w, r, sessionID, func(ctx context.Context, sessionID, content string) error {
		_, err := h.postUserMessage(ctx, sessionID, content)
		if errors.Is(err, store.ErrSessionNotFound) {
			return errors.New("session not found")
		}
		return err
	})
}
