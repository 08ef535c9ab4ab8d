// Package prompt turns page text into a model-ready image prompt by calling
// the prompt-generation service, with a deterministic local fallback.
package prompt

import "context"

// Request carries the source text and routing hints for prompt generation.
type Request struct {
	Text     string
	Provider string
	BookID   string
	Style    string
}

// Result is the instruction set produced for the target image model.
type Result struct {
	EnhancedPrompt string         `json:"enhanced_prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	TargetModel    string         `json:"target_model"`
	Style          string         `json:"style,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// Generator is the contract implemented by all prompt providers.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
