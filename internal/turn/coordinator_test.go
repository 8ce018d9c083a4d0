package turn

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/executor"
	"github.com/ashureev/polya-classroom/internal/llm"
	"github.com/ashureev/polya-classroom/internal/llm/llmtest"
	"github.com/ashureev/polya-classroom/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var personas = []domain.Persona{
	{ID: "a1", Name: "Minh", Role: "skeptic", Backstory: "checks everything"},
	{ID: "a2", Name: "Lan", Role: "solver"},
}

type fakeSessions struct{}

func (fakeSessions) GetSession(_ context.Context, id string) (*domain.Session, error) {
	if id != "s1" {
		return nil, store.ErrSessionNotFound
	}
	return &domain.Session{ID: "s1", UserName: "Tuan", Problem: "2x + 3 = 11", CurrentStageID: "1"}, nil
}

type fakePhases struct {
	calls atomic.Int32
	stage atomic.Value
	block chan struct{}
}

func (f *fakePhases) Context(ctx context.Context, _ string) (domain.PhaseContext, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.PhaseContext{}, ctx.Err()
		}
	}
	stage, _ := f.stage.Load().(string)
	if stage == "" {
		stage = "1"
	}
	return domain.PhaseContext{StageID: stage, Name: "Stage " + stage}, nil
}

type fakeLog struct {
	mu       sync.Mutex
	appended []domain.Event
}

func (f *fakeLog) History(context.Context, string, int) ([]domain.Event, error) {
	return []domain.Event{{Seq: 1, Type: domain.EventUserMessage, SenderName: "Tuan", Content: "what is x?"}}, nil
}

func (f *fakeLog) Append(_ context.Context, sessionID string, t domain.EventType, source, name, content string, meta domain.EventMeta) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := domain.Event{SessionID: sessionID, Seq: int64(len(f.appended) + 2), Type: t, Source: source, SenderName: name, Content: content, Meta: meta}
	f.appended = append(f.appended, e)
	return e, nil
}

type fakeTransport struct {
	clients atomic.Bool
	mu      sync.Mutex
	events  []string
}

func (f *fakeTransport) HasClients(string) bool { return f.clients.Load() }

func (f *fakeTransport) Broadcast(_ string, eventType string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type fakeSpeaker struct {
	mu       sync.Mutex
	turns    []executor.Turn
	idled    [][]domain.Persona
	onSpoken func(string, domain.Event)
	done     chan struct{}
}

func newFakeSpeaker() *fakeSpeaker { return &fakeSpeaker{done: make(chan struct{}, 16)} }

func (f *fakeSpeaker) Execute(_ context.Context, t executor.Turn) {
	f.mu.Lock()
	f.turns = append(f.turns, t)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeSpeaker) IdleAll(_ string, p []domain.Persona) {
	f.mu.Lock()
	f.idled = append(f.idled, p)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeSpeaker) OnSpoken(fn func(string, domain.Event)) { f.onSpoken = fn }

func (f *fakeSpeaker) waitTurn(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not finish")
	}
}

const (
	speak  = `{"stimuli":["CON#1"],"thought":"I know x","action":"speak"}`
	listen = `{"stimuli":[],"thought":"wait","action":"listen"}`
)

// thinkAs answers think prompts by persona name.
func thinkAs(replies map[string]string) llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		for name, reply := range replies {
			if strings.Contains(prompt, "You are "+name+",") {
				return reply, nil
			}
		}
		return listen, nil
	})
}

type harness struct {
	coord     *Coordinator
	phases    *fakePhases
	log       *fakeLog
	transport *fakeTransport
	speaker   *fakeSpeaker
	evaluate  *llmtest.Script
}

func newHarness(t *testing.T, think llm.Generator, evaluation string) *harness {
	t.Helper()
	h := &harness{
		phases:    &fakePhases{},
		log:       &fakeLog{},
		transport: &fakeTransport{},
		speaker:   newFakeSpeaker(),
		evaluate:  llmtest.Static(evaluation),
	}
	h.transport.clients.Store(true)
	cfg := DefaultConfig()
	cfg.Debounce = 20 * time.Millisecond
	cfg.FollowUpPause = 10 * time.Millisecond
	cfg.JitterSeed = 1

	coord, err := New(Deps{
		Sessions:  fakeSessions{},
		Phases:    h.phases,
		Log:       h.log,
		Transport: h.transport,
		Speaker:   h.speaker,
		Personas:  personas,
		Think:     llm.Fixed(think),
		Evaluate:  h.evaluate,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	h.coord = coord
	return h
}

func userEvent(seq int64) domain.Event {
	return domain.Event{Seq: seq, Type: domain.EventUserMessage, SenderName: "Tuan", Content: "hi"}
}

func TestTurnSelectsSpeakerAndExecutes(t *testing.T) {
	h := newHarness(t, thinkAs(map[string]string{"Minh": speak}),
		`[{"name":"Minh","internal_score":4,"external_score":4}]`)

	require.NoError(t, h.coord.HandleExternalTrigger(context.Background(), "s1", userEvent(1)))
	h.speaker.waitTurn(t)

	h.speaker.mu.Lock()
	defer h.speaker.mu.Unlock()
	require.Len(t, h.speaker.turns, 1)
	turn := h.speaker.turns[0]
	assert.Equal(t, "s1", turn.SessionID)
	assert.Equal(t, "2x + 3 = 11", turn.Problem)
	assert.Equal(t, "checks everything", turn.Selection.Persona.Backstory, "persona is the full definition")
	assert.Equal(t, []string{"Lan", "Tuan"}, turn.Classmates)
	assert.Len(t, turn.History, 1)
	assert.Empty(t, h.speaker.idled)
}

func TestTurnNobodySpeaksIdlesEveryone(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)

	require.NoError(t, h.coord.HandleExternalTrigger(context.Background(), "s1", userEvent(1)))
	h.speaker.waitTurn(t)

	h.speaker.mu.Lock()
	defer h.speaker.mu.Unlock()
	assert.Empty(t, h.speaker.turns)
	require.Len(t, h.speaker.idled, 1)
	assert.Len(t, h.speaker.idled[0], len(personas))
	assert.Zero(t, h.evaluate.Calls(), "evaluator is not asked when nobody wants to speak")
}

func TestEmptyEvaluationIdlesWithoutExecuting(t *testing.T) {
	h := newHarness(t, thinkAs(map[string]string{"Minh": speak, "Lan": speak}), `[]`)

	require.NoError(t, h.coord.HandleExternalTrigger(context.Background(), "s1", userEvent(1)))
	h.speaker.waitTurn(t)

	h.speaker.mu.Lock()
	defer h.speaker.mu.Unlock()
	assert.Empty(t, h.speaker.turns)
	assert.Len(t, h.speaker.idled, 1)
	assert.Equal(t, 1, h.evaluate.Calls())
}

func TestBurstOfMessagesCollapsesIntoOneTurn(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, h.coord.HandleExternalTrigger(ctx, "s1", userEvent(int64(i+1))))
		time.Sleep(5 * time.Millisecond)
	}
	h.speaker.waitTurn(t)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, int32(1), h.phases.calls.Load())
}

func TestTurnSkippedWithoutClients(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)
	h.transport.clients.Store(false)
	rt, err := h.coord.runtimeFor(context.Background(), "s1")
	require.NoError(t, err)

	h.coord.runTurn(rt, userEvent(1))

	assert.Zero(t, h.phases.calls.Load())
	assert.Empty(t, h.speaker.idled)
}

func TestConcurrentTriggerIsDropped(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)
	h.phases.block = make(chan struct{})
	rt, err := h.coord.runtimeFor(context.Background(), "s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.coord.runTurn(rt, userEvent(1))
	}()
	require.Eventually(t, func() bool { return h.coord.State("s1") == Processing }, time.Second, time.Millisecond)

	h.coord.runTurn(rt, userEvent(2))
	assert.Equal(t, int32(1), h.phases.calls.Load(), "second trigger must not start a turn")

	close(h.phases.block)
	wg.Wait()
	h.speaker.waitTurn(t)
	assert.Equal(t, Idle, h.coord.State("s1"))
}

func TestAgentMessageRetriggersTurn(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)
	require.NotNil(t, h.speaker.onSpoken)

	h.speaker.onSpoken("s1", domain.Event{Seq: 9, Type: domain.EventAgentMessage, SenderName: "Minh"})
	h.speaker.waitTurn(t)

	assert.Equal(t, int32(1), h.phases.calls.Load())
}

func TestStageChangeIsAnnounced(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)
	h.phases.stage.Store("2")

	require.NoError(t, h.coord.HandleExternalTrigger(context.Background(), "s1", userEvent(1)))
	h.speaker.waitTurn(t)

	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	require.Len(t, h.log.appended, 1)
	assert.Equal(t, domain.EventSystemMessage, h.log.appended[0].Type)
	assert.Contains(t, h.log.appended[0].Content, "stage 2")

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	assert.Contains(t, h.transport.events, EventPhaseUpdate)
	assert.Contains(t, h.transport.events, executor.EventNewMessage)
}

func TestUnknownSessionTrigger(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)
	err := h.coord.HandleExternalTrigger(context.Background(), "missing", userEvent(1))
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestCloseCancelsPendingTriggers(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)

	require.NoError(t, h.coord.HandleExternalTrigger(context.Background(), "s1", userEvent(1)))
	h.coord.Close()
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, h.phases.calls.Load())
	assert.ErrorIs(t, h.coord.HandleExternalTrigger(context.Background(), "s1", userEvent(2)), ErrClosed)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	h := newHarness(t, thinkAs(nil), `[]`)
	_, err := h.coord.runtimeFor(context.Background(), "s1")
	require.NoError(t, err)
	later := time.Now().Add(h.coord.cfg.IdleTTL + time.Minute)

	assert.Zero(t, h.coord.Sweep(later), "connected sessions are kept")

	var evicted []string
	h.coord.deps.OnEvict = func(id string) { evicted = append(evicted, id) }

	h.transport.clients.Store(false)
	assert.Zero(t, h.coord.Sweep(time.Now()), "recently active sessions are kept")
	assert.Equal(t, 1, h.coord.Sweep(later))
	assert.Equal(t, []string{"s1"}, evicted)

	h.coord.mu.Lock()
	assert.Empty(t, h.coord.runtimes)
	h.coord.mu.Unlock()
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lambda = 2
	_, err := New(Deps{Personas: personas, Speaker: newFakeSpeaker()}, cfg)
	assert.Error(t, err)

	_, err = New(Deps{Speaker: newFakeSpeaker()}, DefaultConfig())
	assert.Error(t, err)
}
