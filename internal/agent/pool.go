package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/llm"
	"golang.org/x/sync/errgroup"
)

// Pool owns one Mind per persona for a single session.
type Pool struct {
	personas []domain.Persona
	minds    map[string]*Mind
	logger   *slog.Logger
}

// NewPool creates minds for personas, in order. Each mind gets the generator
// sel returns for its persona's model override.
func NewPool(personas []domain.Persona, problem string, sel llm.ModelSelector, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		personas: append([]domain.Persona(nil), personas...),
		minds:    make(map[string]*Mind, len(personas)),
		logger:   logger,
	}
	for _, persona := range p.personas {
		p.minds[persona.ID] = NewMind(persona, problem, sel.ForModel(persona.Model), logger)
	}
	return p
}

// Personas returns the personas in configuration order.
func (p *Pool) Personas() []domain.Persona {
	return append([]domain.Persona(nil), p.personas...)
}

// Mind returns the mind for a persona id.
func (p *Pool) Mind(id string) (*Mind, bool) {
	m, ok := p.minds[id]
	return m, ok
}

// ThinkAll asks every mind to think in parallel and returns the thoughts in
// persona order. Minds that fail, panic or are busy are left out.
func (p *Pool) ThinkAll(ctx context.Context, trigger domain.Event, history []domain.Event, pc domain.PhaseContext) []*domain.Thought {
	results := make([]*domain.Thought, len(p.personas))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(len(p.personas), 1))
	for i, persona := range p.personas {
		mind := p.minds[persona.ID]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("[AGENT] Think panicked", "agent", persona.Name, "panic", fmt.Sprint(r))
				}
			}()
			thought, thinkErr := mind.Think(gctx, trigger, history, pc)
			if thinkErr != nil {
				p.logger.Error("[AGENT] Think failed", "agent", persona.Name, "error", thinkErr)
				return nil // keep siblings running
			}
			results[i] = thought
			return nil
		})
	}
	_ = g.Wait()

	thoughts := make([]*domain.Thought, 0, len(results))
	for _, t := range results {
		if t != nil {
			thoughts = append(thoughts, t)
		}
	}
	return thoughts
}
