package domain

import "time"

// EventType classifies a conversation log entry.
type EventType string

const (
	EventUserMessage   EventType = "user_message"
	EventAgentMessage  EventType = "agent_message"
	EventSystemMessage EventType = "system_message"
)

// SystemSource is the source id used for system notices.
const SystemSource = "System"

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventUserMessage, EventAgentMessage, EventSystemMessage:
		return true
	}
	return false
}

// EventMeta carries optional context recorded alongside an event.
type EventMeta struct {
	PhaseID string `json:"phase_id,omitempty"`
}

// Event is an immutable entry in a session's conversation log.
// Seq starts at 1 and Timestamp strictly increases within a session.
type Event struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Type       EventType `json:"type"`
	Source     string    `json:"source"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Meta       EventMeta `json:"meta"`
}
