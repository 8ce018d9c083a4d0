// Package turn runs the per-session turn pipeline: refresh the phase, let
// every classmate think, pick a speaker and hand the decision to the executor.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/polya-classroom/internal/agent"
	"github.com/ashureev/polya-classroom/internal/arbiter"
	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/executor"
	"github.com/ashureev/polya-classroom/internal/llm"
)

// State of a session's turn pipeline.
type State int32

const (
	Idle State = iota
	Processing
)

func (s State) String() string {
	if s == Processing {
		return "processing"
	}
	return "idle"
}

// EventPhaseUpdate carries the refreshed phase context to clients.
const EventPhaseUpdate = "phase_update"

// ErrClosed is returned for triggers after Close.
var ErrClosed = errors.New("turn: coordinator closed")

// Sessions reads session rows.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// Phases refreshes a session's phase context.
type Phases interface {
	Context(ctx context.Context, sessionID string) (domain.PhaseContext, error)
}

// Log reads and appends conversation events.
type Log interface {
	History(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)
	Append(ctx context.Context, sessionID string, eventType domain.EventType, source, senderName, content string, meta domain.EventMeta) (domain.Event, error)
}

// Transport reports client presence and pushes events.
type Transport interface {
	HasClients(sessionID string) bool
	Broadcast(sessionID, eventType string, payload any)
}

// Speaker carries out the arbiter's decision.
type Speaker interface {
	Execute(ctx context.Context, t executor.Turn)
	IdleAll(sessionID string, personas []domain.Persona)
	OnSpoken(fn func(sessionID string, event domain.Event))
}

// Config tunes the coordinator.
type Config struct {
	Debounce      time.Duration // quiet period before reacting to a user message
	FollowUpPause time.Duration // pause before reacting to an agent message
	TurnTimeout   time.Duration
	HistoryWindow int
	Lambda        float64
	JitterSeed    uint64 // zero seeds from the runtime
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		Debounce:      2 * time.Second,
		FollowUpPause: 1500 * time.Millisecond,
		TurnTimeout:   2 * time.Minute,
		HistoryWindow: 100,
		Lambda:        arbiter.DefaultLambda,
		IdleTTL:       30 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Sessions  Sessions
	Phases    Phases
	Log       Log
	Transport Transport
	Speaker   Speaker
	Personas  []domain.Persona
	Think     llm.ModelSelector
	Evaluate  llm.Generator
	Logger    *slog.Logger

	// OnEvict, if set, is called after the sweeper drops a session runtime.
	OnEvict func(sessionID string)
}

// runtime is one session's in-memory turn state.
type runtime struct {
	sessionID string
	problem   string
	userName  string
	pool      *agent.Pool
	arbiter   *arbiter.Arbiter

	state      atomic.Int32
	lastActive atomic.Int64 // unix nanos
	stageID    atomic.Value // string

	mu      sync.Mutex
	timer   *time.Timer
	pending domain.Event
}

// Coordinator owns the turn runtimes of all live sessions.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	runtimes map[string]*runtime
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Coordinator and subscribes it to the speaker's messages so
// agent utterances re-trigger the pipeline.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if cfg.Lambda < 0 || cfg.Lambda > 1 {
		return nil, fmt.Errorf("%w: %v", arbiter.ErrInvalidLambda, cfg.Lambda)
	}
	if len(deps.Personas) == 0 {
		return nil, errors.New("turn: at least one persona is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		runtimes: make(map[string]*runtime),
	}
	deps.Speaker.OnSpoken(func(sessionID string, event domain.Event) {
		if err := c.HandleInternalTrigger(sessionID, event); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("[TURN] Follow-up trigger failed", "session_id", sessionID, "error", err)
		}
	})
	return c, nil
}

// HandleExternalTrigger reacts to a user message after the debounce period.
// Every new message restarts the wait so a burst becomes one turn.
func (c *Coordinator) HandleExternalTrigger(ctx context.Context, sessionID string, event domain.Event) error {
	rt, err := c.runtimeFor(ctx, sessionID)
	if err != nil {
		return err
	}
	c.schedule(rt, event, c.cfg.Debounce)
	return nil
}

// HandleInternalTrigger reacts to an agent message after a short pause.
func (c *Coordinator) HandleInternalTrigger(sessionID string, event domain.Event) error {
	rt, err := c.runtimeFor(c.ctx, sessionID)
	if err != nil {
		return err
	}
	c.schedule(rt, event, c.cfg.FollowUpPause)
	return nil
}

// State reports the pipeline state of a session.
func (c *Coordinator) State(sessionID string) State {
	c.mu.Lock()
	rt, ok := c.runtimes[sessionID]
	c.mu.Unlock()
	if !ok {
		return Idle
	}
	return State(rt.state.Load())
}

// Close stops pending triggers and waits for running turns. Speech already
// handed to the speaker is not waited for.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, rt := range c.runtimes {
		rt.stopTimer()
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Info("[TURN] Coordinator closed")
}

func (c *Coordinator) runtimeFor(ctx context.Context, sessionID string) (*runtime, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if rt, ok := c.runtimes[sessionID]; ok {
		c.mu.Unlock()
		return rt, nil
	}
	c.mu.Unlock()

	session, err := c.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rt, err := c.newRuntime(session)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if existing, ok := c.runtimes[sessionID]; ok {
		return existing, nil
	}
	c.runtimes[sessionID] = rt
	activeSessions.Set(float64(len(c.runtimes)))
	c.logger.Info("[TURN] Session runtime created", "session_id", sessionID, "agents", len(c.deps.Personas))
	return rt, nil
}

func (c *Coordinator) newRuntime(session *domain.Session) (*runtime, error) {
	opts := []arbiter.Option{arbiter.WithLogger(c.logger.With("session_id", session.ID))}
	if c.cfg.JitterSeed != 0 {
		opts = append(opts, arbiter.WithSeed(c.cfg.JitterSeed))
	}
	arb, err := arbiter.New(session.Problem, c.deps.Evaluate, c.cfg.Lambda, opts...)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		sessionID: session.ID,
		problem:   session.Problem,
		userName:  session.UserName,
		pool:      agent.NewPool(c.deps.Personas, session.Problem, c.deps.Think, c.logger.With("session_id", session.ID)),
		arbiter:   arb,
	}
	rt.stageID.Store(session.CurrentStageID)
	rt.touch(c.now())
	return rt, nil
}

func (c *Coordinator) schedule(rt *runtime, event domain.Event, delay time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pending = event
	rt.touch(c.now())
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.timer = time.AfterFunc(delay, func() { c.fire(rt) })
}

func (c *Coordinator) fire(rt *runtime) {
	rt.mu.Lock()
	event := rt.pending
	rt.timer = nil
	rt.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.runTurn(rt, event)
}

// runTurn executes one pass of the pipeline. At most one pass runs per
// session; a trigger that finds the session busy is dropped, not queued.
func (c *Coordinator) runTurn(rt *runtime, trigger domain.Event) {
	logger := c.logger.With("session_id", rt.sessionID, "trigger_seq", trigger.Seq)

	if !c.deps.Transport.HasClients(rt.sessionID) {
		turnsTotal.WithLabelValues(outcomeNoClients).Inc()
		logger.Info("[TURN] No connected clients, skipping")
		return
	}
	if !rt.state.CompareAndSwap(int32(Idle), int32(Processing)) {
		turnsTotal.WithLabelValues(outcomeBusy).Inc()
		logger.Info("[TURN] Turn already in progress, dropping trigger")
		return
	}
	defer func() {
		rt.state.Store(int32(Idle))
		rt.touch(c.now())
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.TurnTimeout)
	defer cancel()

	pc, err := c.deps.Phases.Context(ctx, rt.sessionID)
	if err != nil {
		turnsTotal.WithLabelValues(outcomeFailed).Inc()
		logger.Error("[TURN] Phase refresh failed", "error", err)
		return
	}
	c.deps.Transport.Broadcast(rt.sessionID, EventPhaseUpdate, pc)
	c.announceStage(ctx, rt, pc, logger)

	history, err := c.deps.Log.History(ctx, rt.sessionID, c.cfg.HistoryWindow)
	if err != nil {
		turnsTotal.WithLabelValues(outcomeFailed).Inc()
		logger.Error("[TURN] History read failed", "error", err)
		return
	}

	thoughts := rt.pool.ThinkAll(ctx, trigger, history, pc)
	logger.Info("[TURN] Agents thought", "thoughts", len(thoughts))

	sel, err := rt.arbiter.Select(ctx, thoughts, pc, history)
	turnDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		turnsTotal.WithLabelValues(outcomeFailed).Inc()
		logger.Error("[TURN] Speaker selection failed", "error", err)
		c.deps.Speaker.IdleAll(rt.sessionID, rt.pool.Personas())
		return
	}
	if sel == nil {
		turnsTotal.WithLabelValues(outcomeSilent).Inc()
		logger.Info("[TURN] Nobody speaks this turn")
		c.deps.Speaker.IdleAll(rt.sessionID, rt.pool.Personas())
		return
	}

	if mind, ok := rt.pool.Mind(sel.Persona.ID); ok {
		sel.Persona = mind.Persona()
	}
	turnsTotal.WithLabelValues(outcomeSpoke).Inc()
	logger.Info("[TURN] Speaker selected", "agent", sel.Persona.Name, "score", sel.Final)

	c.deps.Speaker.Execute(ctx, executor.Turn{
		SessionID:  rt.sessionID,
		Problem:    rt.problem,
		Classmates: rt.classmates(sel.Persona.ID),
		Selection:  sel,
		Phase:      pc,
		History:    history,
	})
}

// announceStage posts a system message the first time a turn sees a new stage.
func (c *Coordinator) announceStage(ctx context.Context, rt *runtime, pc domain.PhaseContext, logger *slog.Logger) {
	prev, _ := rt.stageID.Load().(string)
	if prev == pc.StageID {
		return
	}
	rt.stageID.Store(pc.StageID)
	content := fmt.Sprintf("Moving on to stage %s: %s", pc.StageID, pc.Name)
	event, err := c.deps.Log.Append(ctx, rt.sessionID, domain.EventSystemMessage, domain.SystemSource, domain.SystemSource,
		content, domain.EventMeta{PhaseID: pc.StageID})
	if err != nil {
		logger.Error("[TURN] Failed to record stage change", "error", err)
		return
	}
	c.deps.Transport.Broadcast(rt.sessionID, executor.EventNewMessage, event)
}

func (rt *runtime) classmates(speakerID string) []string {
	var names []string
	for _, p := range rt.pool.Personas() {
		if p.ID != speakerID {
			names = append(names, p.Name)
		}
	}
	if rt.userName != "" {
		names = append(names, rt.userName)
	}
	return names
}

func (rt *runtime) touch(now time.Time) {
	rt.lastActive.Store(now.UnixNano())
}

func (rt *runtime) stopTimer() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
}
