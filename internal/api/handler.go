// Package api provides HTTP handlers for the classroom API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/transport"
)

const defaultMaxBodySize = 1 << 20

// SessionStore is the persistence the handlers read and create sessions in.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	Ping(ctx context.Context) error
}

// EventLog is the conversation log.
type EventLog interface {
	Append(ctx context.Context, sessionID string, eventType domain.EventType, source, senderName, content string, meta domain.EventMeta) (domain.Event, error)
	History(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)
}

// Phases exposes curriculum progress.
type Phases interface {
	AllPhases() []domain.Stage
	Progress(ctx context.Context, sessionID string) (domain.PhaseContext, error)
	MarkTaskComplete(ctx context.Context, sessionID, taskID string) (bool, error)
}

// Triggers starts the turn pipeline for a user message.
type Triggers interface {
	HandleExternalTrigger(ctx context.Context, sessionID string, event domain.Event) error
}

// Streams fans events out to connected clients.
type Streams interface {
	Broadcast(sessionID, eventType string, payload any)
	ServeSSE(w http.ResponseWriter, r *http.Request, sessionID string)
	ServeWS(w http.ResponseWriter, r *http.Request, sessionID string, onMessage transport.InboundHandler)
}

// Problems is the problem catalog.
type Problems interface {
	List() []domain.Problem
	Get(id string) (domain.Problem, bool)
}

// Deps bundles the handler collaborators.
type Deps struct {
	Sessions    SessionStore
	Log         EventLog
	Phases      Phases
	Triggers    Triggers
	Streams     Streams
	Problems    Problems
	MaxBodySize int64
	Logger      *slog.Logger
}

// Handler serves the classroom API.
type Handler struct {
	Deps
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	if deps.MaxBodySize <= 0 {
		deps.MaxBodySize = defaultMaxBodySize
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Deps: deps, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
