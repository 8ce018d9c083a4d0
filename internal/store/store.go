// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/polya-classroom/internal/domain"
)

// ErrSessionNotFound is returned when an operation names an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Repository defines the interface for persisting sessions and their event log.
type Repository interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// AppendEvent assigns the event's Seq and Timestamp and stores it.
	// Fails with ErrSessionNotFound if the session does not exist.
	AppendEvent(ctx context.Context, event *domain.Event) error

	// ListEvents returns events in ascending order. When limit > 0 only the
	// most recent limit events are returned.
	ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)

	// LastEvent returns the newest event or nil when the log is empty.
	LastEvent(ctx context.Context, sessionID string) (*domain.Event, error)

	// UpdateProgress stores the current stage and completed-task map in one
	// transaction, recording a stage transition when the stage changes.
	UpdateProgress(ctx context.Context, sessionID, stageID string, completed domain.CompletedTasks) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
