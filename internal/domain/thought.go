package domain

import "time"

// Intention is an agent's decision for the current turn.
type Intention string

const (
	IntentionSpeak  Intention = "speak"
	IntentionListen Intention = "listen"
)

// ParseIntention maps model output to an intention, defaulting to listen.
func ParseIntention(s string) Intention {
	if Intention(s) == IntentionSpeak {
		return IntentionSpeak
	}
	return IntentionListen
}

// Thought is an agent's private reasoning for one turn.
type Thought struct {
	ID        int       `json:"id"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Stimuli   []string  `json:"stimuli"`
	Rationale string    `json:"rationale"`
	Intention Intention `json:"intention"`
	CreatedAt time.Time `json:"created_at"`
}

// WantsToSpeak reports whether the thought asks for the floor.
func (t *Thought) WantsToSpeak() bool {
	return t != nil && t.Intention == IntentionSpeak
}

// Selection is the arbiter's pick for a turn.
type Selection struct {
	Persona  Persona  `json:"persona"`
	Thought  *Thought `json:"thought"`
	Internal float64  `json:"internal_score"`
	External float64  `json:"external_score"`
	Final    float64  `json:"final_score"`
}
