// Package agent holds the simulated classmates: one Mind per persona that
// privately reasons about the conversation and decides whether to speak.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/llm"
)

const (
	// DefaultThoughtMemory is how many of its own thoughts a mind remembers.
	DefaultThoughtMemory = 5
	// DefaultHistoryTurns is how many recent messages a mind reads.
	DefaultHistoryTurns = 15

	// StimulusParseError marks a thought built from an unusable model reply.
	StimulusParseError = "ERROR_PARSING"
)

// thinkReply is the expected model reply:
//
//	{"stimuli": ["CON#8"], "thought": "...", "action": "speak"}
type thinkReply struct {
	Stimuli []string `json:"stimuli"`
	Thought string   `json:"thought"`
	Action  string   `json:"action"`
}

func (r *thinkReply) Validate() error {
	if strings.TrimSpace(r.Thought) == "" {
		return errors.New("empty thought")
	}
	return nil
}

// Mind is one persona's private reasoning state. A Mind thinks about at most
// one trigger at a time.
type Mind struct {
	persona domain.Persona
	problem string
	llm     llm.Generator
	logger  *slog.Logger
	now     func() time.Time

	historyTurns int
	memory       int

	thinking sync.Mutex // held for the duration of Think

	mu       sync.Mutex
	thoughts []domain.Thought
	nextID   int
}

// NewMind creates a mind for persona working on problem.
func NewMind(persona domain.Persona, problem string, gen llm.Generator, logger *slog.Logger) *Mind {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mind{
		persona:      persona,
		problem:      problem,
		llm:          gen,
		logger:       logger.With("agent", persona.Name),
		now:          time.Now,
		historyTurns: DefaultHistoryTurns,
		memory:       DefaultThoughtMemory,
		nextID:       1,
	}
}

// Persona returns the persona this mind plays.
func (m *Mind) Persona() domain.Persona {
	return m.persona
}

// Thoughts returns the remembered thoughts, oldest first.
func (m *Mind) Thoughts() []domain.Thought {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Thought, len(m.thoughts))
	copy(out, m.thoughts)
	return out
}

// Think produces a thought about the latest conversation state. It returns
// (nil, nil) when the mind is already busy with another trigger. A reply
// that cannot be parsed yields a listen thought rather than an error; only
// generation failures are returned.
func (m *Mind) Think(ctx context.Context, trigger domain.Event, history []domain.Event, pc domain.PhaseContext) (*domain.Thought, error) {
	if !m.thinking.TryLock() {
		m.logger.Info("[AGENT] Already thinking, skipping trigger", "trigger_seq", trigger.Seq)
		return nil, nil
	}
	defer m.thinking.Unlock()

	raw, err := m.llm.Generate(ctx, m.prompt(history, pc))
	if err != nil {
		return nil, fmt.Errorf("agent %s think: %w", m.persona.Name, err)
	}

	var reply thinkReply
	if err := llm.Decode(raw, &reply); err != nil {
		m.logger.Warn("[AGENT] Unusable thought reply, listening",
			"error", err,
			"raw", llm.Compact(raw),
		)
		return &domain.Thought{
			AgentID:   m.persona.ID,
			AgentName: m.persona.Name,
			Stimuli:   []string{StimulusParseError},
			Rationale: "Error parsing model reply: " + err.Error(),
			Intention: domain.IntentionListen,
			CreatedAt: m.now(),
		}, nil
	}

	action := strings.ToLower(strings.TrimSpace(reply.Action))
	intention := domain.ParseIntention(action)
	if string(intention) != action {
		m.logger.Warn("[AGENT] Invalid action, defaulting to listen", "action", reply.Action)
	}

	thought := m.remember(domain.Thought{
		AgentID:   m.persona.ID,
		AgentName: m.persona.Name,
		Stimuli:   reply.Stimuli,
		Rationale: strings.TrimSpace(reply.Thought),
		Intention: intention,
		CreatedAt: m.now(),
	})
	m.logger.Info("[AGENT] Thought", "thought_id", thought.ID, "intention", thought.Intention)
	return &thought, nil
}

func (m *Mind) remember(t domain.Thought) domain.Thought {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextID
	m.nextID++
	m.thoughts = append(m.thoughts, t)
	if len(m.thoughts) > m.memory {
		m.thoughts = m.thoughts[len(m.thoughts)-m.memory:]
	}
	return t
}
