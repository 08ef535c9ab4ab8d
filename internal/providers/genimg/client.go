package genimg

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"visualization/internal/infra"
)

// Options controls how the generation-API client is configured.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client is a REST client for the image-generation API. The API exposes
// submit, status, result and cancel endpoints keyed by an opaque job handle.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient constructs a generation-API client with sane defaults. Callers may
// provide a nil HTTP client; a reusable one with a generous timeout is created.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("genimg: base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: client,
		logger:     logger,
	}, nil
}

type submitRequestBody struct {
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Model          string         `json:"model"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

type submitResponseBody struct {
	Data struct {
		JobID string `json:"job_id"`
	} `json:"data"`
	Message string `json:"message"`
}

type statusResponseBody struct {
	Data struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Message  string `json:"message"`
	} `json:"data"`
}

type resultImage struct {
	URL     string `json:"url"`
	B64Data string `json:"b64_data"`
	Format  string `json:"format"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

type resultResponseBody struct {
	Data struct {
		Images []resultImage `json:"images"`
	} `json:"data"`
}

// Submit sends the prompt to the backend and returns the external job handle.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := submitRequestBody{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Model:          req.Provider,
		Parameters:     req.Parameters,
	}
	var decoded submitResponseBody
	if err := c.do(ctx, http.MethodPost, "/api/v1/generate", body, &decoded); err != nil {
		return "", fmt.Errorf("genimg: submit: %w", err)
	}
	if decoded.Data.JobID == "" {
		return "", fmt.Errorf("genimg: submit: no job handle in response")
	}
	return decoded.Data.JobID, nil
}

// PollStatus reports the backend's view of a submitted request.
func (c *Client) PollStatus(ctx context.Context, handle, provider string) (JobStatus, error) {
	var decoded statusResponseBody
	if err := c.do(ctx, http.MethodGet, "/api/v1/status/"+handle, nil, &decoded); err != nil {
		return JobStatus{}, fmt.Errorf("genimg: poll status: %w", err)
	}
	return JobStatus{
		State:    normalizeState(decoded.Data.Status),
		Progress: decoded.Data.Progress,
		Message:  decoded.Data.Message,
	}, nil
}

// FetchResult downloads the produced image payloads.
func (c *Client) FetchResult(ctx context.Context, handle, provider string) ([]ImagePayload, error) {
	var decoded resultResponseBody
	if err := c.do(ctx, http.MethodGet, "/api/v1/result/"+handle, nil, &decoded); err != nil {
		return nil, fmt.Errorf("genimg: fetch result: %w", err)
	}
	if len(decoded.Data.Images) == 0 {
		return nil, fmt.Errorf("genimg: fetch result: backend returned no images")
	}
	out := make([]ImagePayload, 0, len(decoded.Data.Images))
	for i, img := range decoded.Data.Images {
		payload := ImagePayload{
			URL:    img.URL,
			Format: img.Format,
			Width:  img.Width,
			Height: img.Height,
		}
		if img.B64Data != "" {
			data, err := base64.StdEncoding.DecodeString(img.B64Data)
			if err != nil {
				c.logger.Warn().Err(err).Int("index", i).Str("handle", handle).Msg("genimg: skipping undecodable image payload")
				continue
			}
			payload.Data = data
		}
		if payload.Format == "" {
			payload.Format = "png"
		}
		out = append(out, payload)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("genimg: fetch result: no usable image payloads")
	}
	return out, nil
}

// Cancel asks the backend to abandon a submitted request. Best-effort.
func (c *Client) Cancel(ctx context.Context, handle, provider string) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/cancel/"+handle, nil, nil); err != nil {
		return fmt.Errorf("genimg: cancel: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, snippet(payload))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func normalizeState(s string) PollState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued":
		return StatePending
	case "processing", "running", "in_progress":
		return StateProcessing
	case "completed", "succeeded", "done":
		return StateCompleted
	case "cancelled", "canceled":
		return StateCancelled
	default:
		return StateFailed
	}
}

func snippet(b []byte) string {
	s := string(b)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

var _ Provider = (*Client)(nil)
