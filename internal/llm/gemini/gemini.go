// Package gemini implements llm.Generator over Google's Gemini API.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/polya-classroom/internal/llm"
	"google.golang.org/genai"
)

var _ llm.ModelSelector = (*Gemini)(nil)

// Config configures the Gemini generator.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Gemini generates text through Google's Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
}

// New creates a Gemini-backed generator.
func New(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Generate sends prompt as a single user turn and asks for a JSON reply.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(g.temperature),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate (%s): %w", g.model, err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

// ForModel returns a generator sharing this client but using model.
func (g *Gemini) ForModel(model string) llm.Generator {
	if model == "" || model == g.model {
		return g
	}
	clone := *g
	clone.model = model
	return &clone
}

// Model returns the default model name.
func (g *Gemini) Model() string {
	return g.model
}
