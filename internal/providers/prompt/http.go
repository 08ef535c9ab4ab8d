package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPOptions configures the prompt-service client.
type HTTPOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Fallback is consulted when the service call fails. When nil the error
	// is returned to the caller instead.
	Fallback Generator
	// OnFallback is invoked with a machine-readable reason whenever the
	// fallback chain engages.
	OnFallback func(reason string, err error)
}

// HTTPGenerator calls the prompt-generation service.
type HTTPGenerator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	fallback   Generator
	onFallback func(reason string, err error)
}

// NewHTTPGenerator constructs a prompt-service client with sane defaults.
func NewHTTPGenerator(opts HTTPOptions) (*HTTPGenerator, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("prompt: base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGenerator{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: client,
		fallback:   opts.Fallback,
		onFallback: opts.OnFallback,
	}, nil
}

type generateRequestBody struct {
	BookID                string `json:"book_id"`
	PageContent           string `json:"page_content"`
	TargetModel           string `json:"target_model,omitempty"`
	Style                 string `json:"style,omitempty"`
	MaxPrompts            int    `json:"max_prompts"`
	IncludeNegativePrompt bool   `json:"include_negative_prompt"`
}

type generatedPrompt struct {
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt"`
	Parameters     map[string]any `json:"parameters"`
}

type generateResponseBody struct {
	Data struct {
		Prompts     []generatedPrompt `json:"prompts"`
		TargetModel string            `json:"target_model"`
		Style       string            `json:"style"`
	} `json:"data"`
	Message string `json:"message"`
}

// Generate requests one prompt for the given text. Failures engage the
// fallback chain when one is configured.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	res, err := g.generate(ctx, req)
	if err == nil {
		return res, nil
	}
	if g.fallback == nil {
		return nil, err
	}
	reason := classifyFailure(err)
	if g.onFallback != nil {
		g.onFallback(reason, err)
	}
	return g.fallback.Generate(ctx, req)
}

func (g *HTTPGenerator) generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(generateRequestBody{
		BookID:                req.BookID,
		PageContent:           req.Text,
		TargetModel:           req.Provider,
		Style:                 req.Style,
		MaxPrompts:            1,
		IncludeNegativePrompt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("prompt: encode request: %w", err)
	}

	url := g.baseURL + "/api/v1/visualization/prompts/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("prompt: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("prompt: http request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("prompt: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prompt: service returned status %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var decoded generateResponseBody
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("prompt: decode response: %w", err)
	}
	if len(decoded.Data.Prompts) == 0 {
		return nil, fmt.Errorf("prompt: service returned no prompts")
	}

	first := decoded.Data.Prompts[0]
	model := decoded.Data.TargetModel
	if model == "" {
		model = req.Provider
	}
	return &Result{
		EnhancedPrompt: first.Prompt,
		NegativePrompt: first.NegativePrompt,
		TargetModel:    model,
		Style:          decoded.Data.Style,
		Parameters:     first.Parameters,
	}, nil
}

func classifyFailure(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "status"):
		return "http_status"
	case strings.Contains(msg, "decode"):
		return "bad_payload"
	default:
		return "http_request"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Generator = (*HTTPGenerator)(nil)
