// Package llm wraps the language model behind a single Generate call and
// provides strict decoding of the structured replies the core asks for.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrNoJSON is returned when a reply holds no decodable JSON value.
	ErrNoJSON = errors.New("llm: no JSON in response")
)

// Generator turns a prompt into raw model text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ModelSelector returns a generator bound to a specific model name.
// An empty name means the default model.
type ModelSelector interface {
	ForModel(model string) Generator
}

// Purpose labels a call site for metrics and logs.
type Purpose string

const (
	PurposePhase    Purpose = "phase"
	PurposeThink    Purpose = "think"
	PurposeEvaluate Purpose = "evaluate"
	PurposeSpeak    Purpose = "speak"
)

type fixedSelector struct{ g Generator }

func (f fixedSelector) ForModel(string) Generator { return f.g }

// Fixed returns a selector that ignores the model name and always yields g.
func Fixed(g Generator) ModelSelector {
	return fixedSelector{g: g}
}
