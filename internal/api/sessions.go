package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/identity"
	"github.com/ashureev/polya-classroom/internal/store"
	"github.com/ashureev/polya-classroom/internal/turn"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxUserNameRunes = 40
	healthTimeout    = 5 * time.Second
)

type createSessionRequest struct {
	UserName  string `json:"user_name"`
	ProblemID string `json:"problem_id"`
}

type sessionResponse struct {
	*domain.Session
	Phase domain.PhaseContext `json:"phase"`
}

// ListProblems returns the problem catalog without solutions.
func (h *Handler) ListProblems(w http.ResponseWriter, _ *http.Request) {
	problems := h.Problems.List()
	out := make([]domain.Problem, 0, len(problems))
	for _, p := range problems {
		out = append(out, domain.Problem{ID: p.ID, Statement: p.Statement})
	}
	JSON(w, http.StatusOK, out)
}

// ListPhases returns every curriculum stage.
func (h *Handler) ListPhases(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.Phases.AllPhases())
}

// CreateSession starts a classroom session on a problem and posts the
// welcome notice.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	problem, ok := h.resolveProblem(req.ProblemID)
	if !ok {
		Error(w, http.StatusBadRequest, "unknown problem_id")
		return
	}
	userName := strings.TrimSpace(req.UserName)
	if userName == "" {
		userName = identity.UsernameFromContext(r.Context())
	}
	if len([]rune(userName)) > maxUserNameRunes {
		Error(w, http.StatusBadRequest, fmt.Sprintf("user_name exceeds %d characters", maxUserNameRunes))
		return
	}
	stages := h.Phases.AllPhases()
	if len(stages) == 0 {
		Error(w, http.StatusInternalServerError, "no curriculum stages configured")
		return
	}

	session := &domain.Session{
		ID:             uuid.NewString(),
		UserID:         identity.UserIDFromContext(r.Context()),
		UserName:       userName,
		ProblemID:      problem.ID,
		Problem:        problem.Statement,
		CurrentStageID: stages[0].ID,
		Completed:      domain.CompletedTasks{},
	}
	if err := h.Sessions.CreateSession(r.Context(), session); err != nil {
		h.logger.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	welcome := fmt.Sprintf("Welcome, %s! Today's problem: %s", userName, problem.Statement)
	if _, err := h.Log.Append(r.Context(), session.ID, domain.EventSystemMessage, domain.SystemSource, domain.SystemSource,
		welcome, domain.EventMeta{PhaseID: session.CurrentStageID}); err != nil {
		h.logger.Error("Failed to post welcome message", "session_id", session.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.logger.Info("Session created", "session_id", session.ID, "problem_id", problem.ID)
	JSON(w, http.StatusCreated, session)
}

func (h *Handler) resolveProblem(id string) (domain.Problem, bool) {
	if id == "" {
		problems := h.Problems.List()
		if len(problems) == 0 {
			return domain.Problem{}, false
		}
		return problems[0], true
	}
	return h.Problems.Get(id)
}

// ListSessions returns all sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.ListSessions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// GetSession returns a session with its current progress.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, ok := h.loadSession(w, r, sessionID)
	if !ok {
		return
	}
	pc, err := h.Phases.Progress(r.Context(), sessionID)
	if err != nil {
		h.writeStoreError(w, "failed to load progress", err)
		return
	}
	JSON(w, http.StatusOK, sessionResponse{Session: session, Phase: pc})
}

// History returns the session's conversation log in order.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := h.loadSession(w, r, sessionID); !ok {
		return
	}
	events, err := h.Log.History(r.Context(), sessionID, 0)
	if err != nil {
		h.writeStoreError(w, "failed to load history", err)
		return
	}
	JSON(w, http.StatusOK, events)
}

// CompleteTask manually ticks a task of the current stage.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	taskID := chi.URLParam(r, "taskID")

	added, err := h.Phases.MarkTaskComplete(r.Context(), sessionID, taskID)
	if err != nil {
		h.writeStoreError(w, "failed to update progress", err)
		return
	}
	pc, err := h.Phases.Progress(r.Context(), sessionID)
	if err != nil {
		h.writeStoreError(w, "failed to load progress", err)
		return
	}
	if added {
		h.Streams.Broadcast(sessionID, turn.EventPhaseUpdate, pc)
	}
	JSON(w, http.StatusOK, map[string]any{"added": added, "phase": pc})
}

// Health reports API and database status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status, code := "healthy", http.StatusOK
	if err := h.Sessions.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status, code = "degraded", http.StatusServiceUnavailable
	}
	JSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request, sessionID string) (*domain.Session, bool) {
	session, err := h.Sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeStoreError(w, "failed to load session", err)
		return nil, false
	}
	return session, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	h.logger.Error(message, "error", err)
	Error(w, http.StatusInternalServerError, message)
}
