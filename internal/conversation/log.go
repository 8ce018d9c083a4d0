// Package conversation implements the append-only per-session conversation log.
package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/store"
	"github.com/google/uuid"
)

// Log is the ordered, immutable record of a session's events.
type Log struct {
	repo   store.Repository
	audit  AuditLogger
	logger *slog.Logger
}

// NewLog creates a conversation log on top of repo. audit may be nil.
func NewLog(repo store.Repository, audit AuditLogger, logger *slog.Logger) *Log {
	if audit == nil {
		audit = NoopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{repo: repo, audit: audit, logger: logger}
}

// Append stores a new event and returns it with id, seq and timestamp set.
// Appending to an unknown session returns an error wrapping
// store.ErrSessionNotFound.
func (l *Log) Append(ctx context.Context, sessionID string, eventType domain.EventType, source, senderName, content string, meta domain.EventMeta) (domain.Event, error) {
	event := domain.Event{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Type:       eventType,
		Source:     source,
		SenderName: senderName,
		Content:    content,
		Meta:       meta,
	}
	if err := l.repo.AppendEvent(ctx, &event); err != nil {
		return domain.Event{}, fmt.Errorf("append %s to %s: %w", eventType, sessionID, err)
	}

	l.logger.Debug("[LOG] Event appended",
		"session_id", sessionID,
		"seq", event.Seq,
		"type", eventType,
		"source", source,
	)
	l.audit.Log(AuditEventFrom(event))
	return event, nil
}

// History returns the session's events in order; limit > 0 keeps the most
// recent limit events. A session without events yields an empty slice.
func (l *Log) History(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	events, err := l.repo.ListEvents(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", sessionID, err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}

// Last returns the newest event, or nil.
func (l *Log) Last(ctx context.Context, sessionID string) (*domain.Event, error) {
	e, err := l.repo.LastEvent(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("last event for %s: %w", sessionID, err)
	}
	return e, nil
}
