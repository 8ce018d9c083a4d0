package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/llm"
	"github.com/ashureev/polya-classroom/internal/llm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPC = domain.PhaseContext{
	StageID:   "1",
	Name:      "Understand",
	Checklist: "- [ ] (1.1) restate the problem <-- next task to focus on",
}

func persona(id, name string) domain.Persona {
	return domain.Persona{ID: id, Name: name, Role: "classmate"}
}

func events(n int) []domain.Event {
	out := make([]domain.Event, n)
	for i := range out {
		out[i] = domain.Event{
			Seq:        int64(i + 1),
			Type:       domain.EventUserMessage,
			SenderName: "Lan",
			Content:    fmt.Sprintf("message %d", i+1),
		}
	}
	return out
}

const speakReply = `{"stimuli":["CON#1"],"thought":"I can answer that","action":"speak"}`

func TestThinkParsesReply(t *testing.T) {
	t.Parallel()
	m := NewMind(persona("a1", "Minh"), "2x + 3 = 11", llmtest.Static("```json\n"+speakReply+"\n```"), nil)

	thought, err := m.Think(context.Background(), domain.Event{Seq: 1}, events(1), testPC)
	require.NoError(t, err)
	require.NotNil(t, thought)

	assert.Equal(t, 1, thought.ID)
	assert.Equal(t, "a1", thought.AgentID)
	assert.Equal(t, "Minh", thought.AgentName)
	assert.Equal(t, []string{"CON#1"}, thought.Stimuli)
	assert.Equal(t, domain.IntentionSpeak, thought.Intention)
	assert.Len(t, m.Thoughts(), 1)
}

func TestThinkInvalidActionListens(t *testing.T) {
	t.Parallel()
	m := NewMind(persona("a1", "Minh"), "p", llmtest.Static(`{"stimuli":[],"thought":"hmm","action":"shout"}`), nil)

	thought, err := m.Think(context.Background(), domain.Event{}, nil, testPC)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentionListen, thought.Intention)
}

func TestThinkParseFailureListens(t *testing.T) {
	t.Parallel()
	m := NewMind(persona("a1", "Minh"), "p", llmtest.Static("Sure! I would like to speak."), nil)

	thought, err := m.Think(context.Background(), domain.Event{}, nil, testPC)
	require.NoError(t, err)
	require.NotNil(t, thought)
	assert.Equal(t, []string{StimulusParseError}, thought.Stimuli)
	assert.Equal(t, domain.IntentionListen, thought.Intention)
	assert.Contains(t, thought.Rationale, "Error parsing")
	assert.Empty(t, m.Thoughts(), "unparseable replies are not remembered")
}

func TestThinkGenerationError(t *testing.T) {
	t.Parallel()
	m := NewMind(persona("a1", "Minh"), "p", llmtest.Failing(errors.New("quota")), nil)

	thought, err := m.Think(context.Background(), domain.Event{}, nil, testPC)
	require.Error(t, err)
	assert.Nil(t, thought)
}

func TestThinkRemembersBoundedThoughts(t *testing.T) {
	t.Parallel()
	script := llmtest.Static(speakReply)
	m := NewMind(persona("a1", "Minh"), "p", script, nil)

	for range DefaultThoughtMemory + 2 {
		_, err := m.Think(context.Background(), domain.Event{}, nil, testPC)
		require.NoError(t, err)
	}

	thoughts := m.Thoughts()
	require.Len(t, thoughts, DefaultThoughtMemory)
	assert.Equal(t, 3, thoughts[0].ID)
	assert.Equal(t, DefaultThoughtMemory+2, thoughts[len(thoughts)-1].ID)

	last := script.Prompts()[len(script.Prompts())-1]
	assert.Contains(t, last, "THO#6: I can answer that")
	assert.NotContains(t, last, "THO#1:")
}

func TestThinkReadsRecentTurnsOnly(t *testing.T) {
	t.Parallel()
	script := llmtest.Static(speakReply)
	m := NewMind(persona("a1", "Minh"), "p", script, nil)

	_, err := m.Think(context.Background(), domain.Event{}, events(20), testPC)
	require.NoError(t, err)

	p := script.Prompts()[0]
	assert.Contains(t, p, "CON#20 Lan: message 20")
	assert.Contains(t, p, "CON#6 Lan: message 6")
	assert.NotContains(t, p, "CON#5 ")
	assert.True(t, strings.Contains(p, "restate the problem"))
}

func TestThinkSkipsWhileBusy(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-release
		return speakReply, nil
	})
	m := NewMind(persona("a1", "Minh"), "p", gen, nil)

	done := make(chan *domain.Thought)
	go func() {
		th, _ := m.Think(context.Background(), domain.Event{Seq: 1}, nil, testPC)
		done <- th
	}()
	<-started

	second, err := m.Think(context.Background(), domain.Event{Seq: 2}, nil, testPC)
	require.NoError(t, err)
	assert.Nil(t, second)

	close(release)
	select {
	case first := <-done:
		require.NotNil(t, first)
		assert.Equal(t, 1, first.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("first Think did not finish")
	}
}
