// Package arbiter picks which classmate, if any, takes the floor.
package arbiter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/ashureev/polya-classroom/internal/conversation"
	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/llm"
	"github.com/ashureev/polya-classroom/internal/phase"
	"github.com/ashureev/polya-classroom/internal/prompt"
)

const (
	// DefaultLambda weighs external (social) against internal motivation.
	DefaultLambda = 0.5
	// DefaultJitter is the half-width of the tie-breaking noise.
	DefaultJitter = 0.01
	// HistoryTurns is how many recent messages the evaluator reads.
	HistoryTurns = 15

	minScore = 1.0
	maxScore = 5.0
)

// ErrInvalidLambda is returned for a weight outside [0, 1].
var ErrInvalidLambda = errors.New("arbiter: lambda must be within [0, 1]")

// Arbiter scores the candidates that want to speak and selects one.
type Arbiter struct {
	problem string
	llm     llm.Generator
	lambda  float64
	jitter  float64
	logger  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithSeed makes the tie-breaking noise reproducible.
func WithSeed(seed uint64) Option {
	return func(a *Arbiter) { a.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithJitter sets the noise half-width; zero disables it.
func WithJitter(width float64) Option {
	return func(a *Arbiter) { a.jitter = width }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an arbiter for one session's problem.
func New(problem string, gen llm.Generator, lambda float64, opts ...Option) (*Arbiter, error) {
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLambda, lambda)
	}
	a := &Arbiter{
		problem: problem,
		llm:     gen,
		lambda:  lambda,
		jitter:  DefaultJitter,
		logger:  slog.Default(),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Select returns the winning candidate or nil when nobody should speak.
// Only candidates with a speak intention are considered; with none the model
// is not called. Evaluation failures yield nil, never an error, so the turn
// simply passes. The error return is reserved for context cancellation.
func (a *Arbiter) Select(ctx context.Context, candidates []*domain.Thought, pc domain.PhaseContext, history []domain.Event) (*domain.Selection, error) {
	speakers := make([]*domain.Thought, 0, len(candidates))
	for _, c := range candidates {
		if c.WantsToSpeak() {
			speakers = append(speakers, c)
		}
	}
	if len(speakers) == 0 {
		a.logger.Info("[ARBITER] Nobody wants to speak")
		return nil, nil
	}

	raw, err := a.llm.Generate(ctx, a.prompt(speakers, pc, history))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		a.logger.Error("[ARBITER] Evaluation call failed", "error", err)
		return nil, nil
	}

	var scores evaluation
	if err := llm.Decode(raw, &scores); err != nil {
		a.logger.Warn("[ARBITER] Unusable evaluation", "error", err, "raw", llm.Compact(raw))
		return nil, nil
	}
	byName := scores.byName()

	var best *domain.Selection
	for _, t := range speakers {
		s, ok := byName[normalizeName(t.AgentName)]
		if !ok {
			a.logger.Warn("[ARBITER] No score for candidate, dropping", "agent", t.AgentName)
			continue
		}
		internal := clamp(float64(s.Internal))
		external := clamp(float64(s.External))
		final := (1-a.lambda)*internal + a.lambda*external + a.noise()
		a.logger.Info("[ARBITER] Candidate scored",
			"agent", t.AgentName,
			"internal", internal,
			"external", external,
			"final", final,
		)
		if best == nil || final > best.Final {
			best = &domain.Selection{
				Persona:  domain.Persona{ID: t.AgentID, Name: t.AgentName},
				Thought:  t,
				Internal: internal,
				External: external,
				Final:    final,
			}
		}
	}
	if best != nil {
		a.logger.Info("[ARBITER] Selected speaker", "agent", best.Persona.Name, "final", best.Final)
	}
	return best, nil
}

func (a *Arbiter) noise() float64 {
	if a.jitter == 0 {
		return 0
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return (a.rng.Float64()*2 - 1) * a.jitter
}

func clamp(v float64) float64 {
	return min(max(v, minScore), maxScore)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// score accepts 4.2 or "4.2". "NaN" and "Inf" parse but are not finite,
// and such an entry counts as missing.
type score float64

func (s score) finite() bool {
	return !math.IsNaN(float64(s)) && !math.IsInf(float64(s), 0)
}

func (s *score) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("score %s: %w", data, err)
	}
	*s = score(v)
	return nil
}

type candidateScore struct {
	Name     string `json:"name"`
	Internal *score `json:"internal_score"`
	External *score `json:"external_score"`
}

// evaluation is the evaluator reply:
//
//	[{"name": "Minh", "internal_score": 4.2, "external_score": 3.1}]
type evaluation []candidateScore

func (e *evaluation) Validate() error {
	if len(*e) == 0 {
		return errors.New("no scores")
	}
	return nil
}

type pair struct{ Internal, External score }

// byName keeps the first complete, finite entry per name.
func (e evaluation) byName() map[string]pair {
	out := make(map[string]pair, len(e))
	for _, c := range e {
		key := normalizeName(c.Name)
		if key == "" || c.Internal == nil || c.External == nil {
			continue
		}
		if !c.Internal.finite() || !c.External.finite() {
			continue
		}
		if _, dup := out[key]; dup {
			continue
		}
		out[key] = pair{Internal: *c.Internal, External: *c.External}
	}
	return out
}

func (a *Arbiter) prompt(speakers []*domain.Thought, pc domain.PhaseContext, history []domain.Event) string {
	names := make([]string, len(speakers))
	thoughts := make([]string, len(speakers))
	for i, t := range speakers {
		names[i] = t.AgentName
		thoughts[i] = t.AgentName + ": " + t.Rationale
	}
	example := []map[string]any{
		{"name": names[0], "internal_score": 4.2, "external_score": 2.7},
	}
	return prompt.New().
		Section("Role", "You evaluate the private thoughts of students in a group discussion and rate how "+
			"strongly each of them should speak next. Students to rate: "+strings.Join(names, ", ")+".").
		List("Internal score (1.0-5.0), the student's own motivation", []string{
			"information gap: the thought shows confusion or curiosity",
			"filling a gap: the thought answers an open question",
			"expected impact on the discussion",
			"urgency, for example correcting a serious mistake",
		}).
		List("External score (1.0-5.0), the social fit", []string{
			"coherence with the last message",
			"originality compared with what was already said",
			"balance: everyone gets a chance to talk",
			"dynamics: whether someone else is clearly about to contribute",
		}).
		List("Scoring rules", []string{
			"Use the full scale with decimals such as 2.7 or 4.2; do not cluster around 3-4.",
			"Generic thoughts anyone could have score lower than personal ones.",
			"Return exactly one entry per student listed above, using their exact names.",
		}).
		Section("Problem", a.problem).
		Section("Current stage", phase.StageSummary(pc)).
		Section("Conversation", conversation.FormatTranscript(conversation.Tail(history, HistoryTurns))).
		List("Thoughts", thoughts).
		Reply(example).
		String()
}
