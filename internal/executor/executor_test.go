package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/llm"
	"github.com/ashureev/polya-classroom/internal/llm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	sessionID string
	eventType string
	payload   any
}

type recorder struct {
	mu     sync.Mutex
	sent   []sent
	events []domain.Event
	err    error
}

func (r *recorder) Broadcast(sessionID, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{sessionID, eventType, payload})
}

func (r *recorder) Append(_ context.Context, sessionID string, t domain.EventType, source, senderName, content string, meta domain.EventMeta) (domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Event{}, r.err
	}
	e := domain.Event{
		ID:         "e" + source,
		SessionID:  sessionID,
		Seq:        int64(len(r.events) + 1),
		Type:       t,
		Source:     source,
		SenderName: senderName,
		Content:    content,
		Meta:       meta,
	}
	r.events = append(r.events, e)
	return e, nil
}

// statuses returns the agent_status values in order, with "message" marking
// new_message broadcasts.
func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		switch p := s.payload.(type) {
		case StatusPayload:
			out = append(out, p.AgentName+":"+p.Status)
		case domain.Event:
			out = append(out, "message")
		}
	}
	return out
}

func (r *recorder) appended() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

var minh = domain.Persona{ID: "a1", Name: "Minh", Role: "skeptic"}

func speakTurn() Turn {
	return Turn{
		SessionID:  "s1",
		Problem:    "2x + 3 = 11",
		Classmates: []string{"Lan", "Huy"},
		Selection: &domain.Selection{
			Persona: minh,
			Thought: &domain.Thought{AgentID: "a1", AgentName: "Minh", Rationale: "check x = 4", Intention: domain.IntentionSpeak},
		},
		Phase: domain.PhaseContext{StageID: "4", Name: "Look back"},
	}
}

func newExecutor(rec *recorder, gen llm.Generator) *Executor {
	return New(rec, rec, llm.Fixed(gen), WithDelay(func(string) time.Duration { return time.Millisecond }))
}

func TestExecuteSpeakPostsMessage(t *testing.T) {
	rec := &recorder{}
	script := llmtest.Static(`{"internal_thought":"verify","spoken_message":"If x = 4 then 2*4 + 3 = 11, so it checks out."}`)
	ex := newExecutor(rec, script)

	var spoken []domain.Event
	var mu sync.Mutex
	ex.OnSpoken(func(sessionID string, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "s1", sessionID)
		spoken = append(spoken, e)
	})

	ex.Execute(context.Background(), speakTurn())
	ex.Wait()

	assert.Equal(t, []string{"Minh:typing", "message", "Minh:idle"}, rec.statuses())
	events := rec.appended()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAgentMessage, events[0].Type)
	assert.Equal(t, "a1", events[0].Source)
	assert.Equal(t, "Minh", events[0].SenderName)
	assert.Equal(t, "4", events[0].Meta.PhaseID)
	assert.Equal(t, "If x = 4 then 2*4 + 3 = 11, so it checks out.", events[0].Content)

	mu.Lock()
	assert.Len(t, spoken, 1)
	mu.Unlock()

	p := script.Prompts()[0]
	assert.Contains(t, p, "check x = 4")
	assert.Contains(t, p, "Lan, Huy")
}

func TestExecuteReturnsBeforeSpeechIsPosted(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(context.Context, string) (string, error) {
		<-release
		return `{"spoken_message":"ok"}`, nil
	})
	ex := newExecutor(rec, gen)

	returned := make(chan struct{})
	go func() {
		ex.Execute(context.Background(), speakTurn())
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute blocked on generation")
	}
	assert.Empty(t, rec.appended())

	close(release)
	ex.Wait()
	assert.Len(t, rec.appended(), 1)
}

func TestExecuteListenOnlyIdles(t *testing.T) {
	rec := &recorder{}
	script := llmtest.Static(`{"spoken_message":"hi"}`)
	ex := newExecutor(rec, script)

	turn := speakTurn()
	turn.Selection.Thought.Intention = domain.IntentionListen
	ex.Execute(context.Background(), turn)
	ex.Execute(context.Background(), Turn{SessionID: "s1"})
	ex.Wait()

	assert.Equal(t, []string{"Minh:idle"}, rec.statuses())
	assert.Empty(t, rec.appended())
	assert.Zero(t, script.Calls())
}

func TestIdleAllEmitsOneIdlePerAgent(t *testing.T) {
	rec := &recorder{}
	ex := newExecutor(rec, llmtest.Static(""))

	ex.IdleAll("s1", []domain.Persona{minh, {ID: "a2", Name: "Lan"}, {ID: "a3", Name: "Huy"}})

	assert.Equal(t, []string{"Minh:idle", "Lan:idle", "Huy:idle"}, rec.statuses())
	assert.Empty(t, rec.appended())
}

func TestExecuteUnparseableReplyUsesFallback(t *testing.T) {
	rec := &recorder{}
	ex := newExecutor(rec, llmtest.Static("Minh says: x is 4!"))

	ex.Execute(context.Background(), speakTurn())
	ex.Wait()

	events := rec.appended()
	require.Len(t, events, 1)
	assert.Equal(t, FallbackUtterance, events[0].Content)
	assert.Equal(t, []string{"Minh:typing", "message", "Minh:idle"}, rec.statuses())
}

func TestExecuteFailuresStillEndIdle(t *testing.T) {
	cases := map[string]struct {
		gen       llm.Generator
		appendErr error
	}{
		"generation error": {gen: llmtest.Failing(errors.New("503"))},
		"empty message":    {gen: llmtest.Static(`{"spoken_message":"   "}`)},
		"empty reply":      {gen: llmtest.Static("")},
		"store failure":    {gen: llmtest.Static(`{"spoken_message":"hello"}`), appendErr: errors.New("disk full")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{err: tc.appendErr}
			ex := newExecutor(rec, tc.gen)

			ex.Execute(context.Background(), speakTurn())
			ex.Wait()

			assert.Equal(t, []string{"Minh:typing", "Minh:idle"}, rec.statuses())
			assert.Empty(t, rec.appended())
		})
	}
}

func TestExecuteSurvivesCanceledTurnContext(t *testing.T) {
	rec := &recorder{}
	ex := newExecutor(rec, llmtest.Static(`{"spoken_message":"still here"}`))

	ctx, cancel := context.WithCancel(context.Background())
	ex.Execute(ctx, speakTurn())
	cancel()
	ex.Wait()

	assert.Len(t, rec.appended(), 1)
}

func TestTypingDelayBounds(t *testing.T) {
	assert.Equal(t, DefaultMinDelay, TypingDelay("hi", DefaultMinDelay, DefaultMaxDelay))
	assert.Equal(t, DefaultMaxDelay, TypingDelay(strings.Repeat("a", 500), DefaultMinDelay, DefaultMaxDelay))

	text := strings.Repeat("ă", 40) // runes, not bytes
	for range 50 {
		d := TypingDelay(text, 0, time.Minute)
		assert.GreaterOrEqual(t, d, 1190*time.Millisecond)
		assert.LessOrEqual(t, d, 2810*time.Millisecond)
	}
}

func TestStripRefs(t *testing.T) {
	assert.Equal(t, "I agree with Lan here.", stripRefs("I agree with CON#4 Lan here."))
	assert.Equal(t, "As Lan said, x = 4.", stripRefs("As Lan said (CON#12), x = 4."))
	assert.Equal(t, "we subtract 3.", stripRefs("CON#3: we subtract 3."))
	assert.Equal(t, "", stripRefs("  "))
}

func TestStripRefsKeepsLayout(t *testing.T) {
	in := "Step 1:  2x + 3 = 11 CON#2\nStep 2:  2x = 8\n\nSo x = 4."
	assert.Equal(t, "Step 1:  2x + 3 = 11\nStep 2:  2x = 8\n\nSo x = 4.", stripRefs(in))
}

func TestExecuteRecoversFromPostingPanic(t *testing.T) {
	rec := &recorder{}
	ex := newExecutor(rec, llmtest.Static(`{"internal_thought":"","spoken_message":"x is 4"}`))
	ex.OnSpoken(func(string, domain.Event) { panic("subscriber failed") })

	ex.Execute(context.Background(), speakTurn())
	ex.Wait()

	assert.Equal(t, []string{"Minh:typing", "message", "Minh:idle"}, rec.statuses())
}
