// Package llmtest provides scripted generators for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"
)

// ErrExhausted is returned by a queue script with no replies left.
var ErrExhausted = errors.New("llmtest: no scripted replies left")

// Script is a Generator that answers from a function and records prompts.
type Script struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) (string, error)
}

// New answers every prompt with respond.
func New(respond func(prompt string) (string, error)) *Script {
	return &Script{respond: respond}
}

// Static answers every prompt with reply.
func Static(reply string) *Script {
	return New(func(string) (string, error) { return reply, nil })
}

// Failing answers every prompt with err.
func Failing(err error) *Script {
	return New(func(string) (string, error) { return "", err })
}

// Queue answers with replies in order, then ErrExhausted.
func Queue(replies ...string) *Script {
	var mu sync.Mutex
	return New(func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return "", ErrExhausted
		}
		r := replies[0]
		replies = replies[1:]
		return r, nil
	})
}

// Generate records the prompt and returns the scripted reply.
func (s *Script) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.respond(prompt)
}

// Calls returns how many prompts were received.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// Prompts returns a copy of the received prompts.
func (s *Script) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
