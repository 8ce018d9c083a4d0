// Package executor turns a selected thought into a spoken, persisted and
// broadcast classroom message.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/polya-classroom/internal/conversation"
	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/llm"
)

// Event names pushed to clients.
const (
	EventAgentStatus = "agent_status"
	EventNewMessage  = "new_message"
)

// Agent statuses.
const (
	StatusTyping = "typing"
	StatusIdle   = "idle"
)

// FallbackUtterance is spoken when the model reply cannot be parsed.
const FallbackUtterance = "Sorry, I lost my train of thought. Could someone repeat that?"

const defaultSpeakTimeout = 90 * time.Second

// Broadcaster pushes events to a session's connected clients.
type Broadcaster interface {
	Broadcast(sessionID, eventType string, payload any)
}

// Appender persists conversation events.
type Appender interface {
	Append(ctx context.Context, sessionID string, eventType domain.EventType, source, senderName, content string, meta domain.EventMeta) (domain.Event, error)
}

// StatusPayload is the body of an agent_status event.
type StatusPayload struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Status    string `json:"status"`
}

// Turn is everything needed to act on one arbiter decision.
type Turn struct {
	SessionID  string
	Problem    string
	Classmates []string // everyone else in the room, for addressing by name
	Selection  *domain.Selection
	Phase      domain.PhaseContext
	History    []domain.Event
}

// Executor performs the selected action. Speech runs in the background so
// typing delays never hold up the turn pipeline.
type Executor struct {
	log     Appender
	bcast   Broadcaster
	speak   llm.ModelSelector
	logger  *slog.Logger
	delay   func(text string) time.Duration
	timeout time.Duration

	mu       sync.RWMutex
	onSpoken func(sessionID string, event domain.Event)

	wg sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithDelay replaces the typing delay function.
func WithDelay(fn func(text string) time.Duration) Option {
	return func(e *Executor) {
		if fn != nil {
			e.delay = fn
		}
	}
}

// WithTypingBounds sets the clamp of the default typing delay.
func WithTypingBounds(minDelay, maxDelay time.Duration) Option {
	return func(e *Executor) {
		e.delay = func(text string) time.Duration { return TypingDelay(text, minDelay, maxDelay) }
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Executor.
func New(log Appender, bcast Broadcaster, speak llm.ModelSelector, opts ...Option) *Executor {
	e := &Executor{
		log:     log,
		bcast:   bcast,
		speak:   speak,
		logger:  slog.Default(),
		delay:   func(text string) time.Duration { return TypingDelay(text, DefaultMinDelay, DefaultMaxDelay) },
		timeout: defaultSpeakTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnSpoken registers fn to run after each agent message is stored and
// broadcast. It replaces any earlier callback.
func (e *Executor) OnSpoken(fn func(sessionID string, event domain.Event)) {
	e.mu.Lock()
	e.onSpoken = fn
	e.mu.Unlock()
}

// Execute acts on the turn's selection. A nil selection or a listen
// intention only marks the agent idle. Speaking returns at once; the
// utterance is generated, delayed and posted in the background.
func (e *Executor) Execute(ctx context.Context, t Turn) {
	sel := t.Selection
	if sel == nil {
		return
	}
	if !sel.Thought.WantsToSpeak() {
		e.status(t.SessionID, sel.Persona, StatusIdle)
		return
	}

	e.wg.Add(1)
	go e.speakAsync(context.WithoutCancel(ctx), t)
}

// IdleAll marks every persona idle. Used when nobody takes the floor.
func (e *Executor) IdleAll(sessionID string, personas []domain.Persona) {
	for _, p := range personas {
		e.status(sessionID, p, StatusIdle)
	}
}

// Wait blocks until all scheduled speech has been posted or abandoned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) speakAsync(ctx context.Context, t Turn) {
	persona := t.Selection.Persona
	logger := e.logger.With("session_id", t.SessionID, "agent", persona.Name)
	ctx, cancel := context.WithTimeout(ctx, e.timeout)

	done := func() {
		cancel()
		e.status(t.SessionID, persona, StatusIdle)
		e.wg.Done()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[EXEC] Speak panicked", "panic", r)
			done()
		}
	}()

	e.status(t.SessionID, persona, StatusTyping)

	text, err := e.compose(ctx, t)
	if err != nil {
		logger.Error("[EXEC] Utterance generation failed", "error", err)
		done()
		return
	}
	if text == "" {
		logger.Warn("[EXEC] Empty utterance, nothing to say")
		done()
		return
	}

	delay := e.delay(text)
	logger.Info("[EXEC] Typing", "delay", delay, "length", utf8.RuneCountInString(text))
	time.AfterFunc(delay, func() {
		defer done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("[EXEC] Posting panicked", "panic", r)
			}
		}()
		e.post(ctx, t, text, logger)
	})
}

func (e *Executor) post(ctx context.Context, t Turn, text string, logger *slog.Logger) {
	persona := t.Selection.Persona
	event, err := e.log.Append(ctx, t.SessionID, domain.EventAgentMessage, persona.ID, persona.Name, text,
		domain.EventMeta{PhaseID: t.Phase.StageID})
	if err != nil {
		logger.Error("[EXEC] Failed to store agent message", "error", err)
		return
	}
	e.bcast.Broadcast(t.SessionID, EventNewMessage, event)
	logger.Info("[EXEC] Agent spoke", "seq", event.Seq)

	e.mu.RLock()
	fn := e.onSpoken
	e.mu.RUnlock()
	if fn != nil {
		fn(t.SessionID, event)
	}
}

// compose asks the model for the utterance. An unusable reply yields the
// fallback line; only transport failures are returned as errors.
func (e *Executor) compose(ctx context.Context, t Turn) (string, error) {
	persona := t.Selection.Persona
	raw, err := e.speak.ForModel(persona.Model).Generate(ctx, speakPrompt(t))
	if err != nil {
		return "", err
	}

	var reply speakReply
	if err := llm.Decode(raw, &reply); err != nil {
		if errors.Is(err, llm.ErrEmptyResponse) {
			return "", nil
		}
		e.logger.Warn("[EXEC] Unusable utterance reply, using fallback",
			"session_id", t.SessionID,
			"agent", persona.Name,
			"error", err,
			"raw", llm.Compact(raw),
		)
		return FallbackUtterance, nil
	}
	return stripRefs(reply.SpokenMessage), nil
}

func (e *Executor) status(sessionID string, p domain.Persona, status string) {
	e.bcast.Broadcast(sessionID, EventAgentStatus, StatusPayload{
		AgentID:   p.ID,
		AgentName: p.Name,
		Status:    status,
	})
}

// Default clamp of the typing delay.
const (
	DefaultMinDelay = 500 * time.Millisecond
	DefaultMaxDelay = 5 * time.Second
)

// TypingDelay emulates human typing at 30 to 70 ms per character, clamped to
// [minDelay, maxDelay].
func TypingDelay(text string, minDelay, maxDelay time.Duration) time.Duration {
	perChar := 0.03 + rand.Float64()*0.04
	d := time.Duration(float64(utf8.RuneCountInString(text)) * perChar * float64(time.Second))
	return min(max(d, minDelay), maxDelay)
}

// refPattern matches a leaked reference id such as "CON#4", "(CON#4)" or
// "CON#4:" together with the blanks before it. Newlines are kept.
var refPattern = regexp.MustCompile(`[ \t]*\(?` + regexp.QuoteMeta(conversation.RefPrefix) + `\d+\)?:?`)

// stripRefs removes prompt reference ids the model sometimes leaks into
// spoken text, leaving the rest of the layout alone.
func stripRefs(s string) string {
	return strings.TrimSpace(refPattern.ReplaceAllString(s, ""))
}
