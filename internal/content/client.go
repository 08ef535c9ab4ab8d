package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"visualization/internal/domain"
)

// Options configures the catalog client.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client is the HTTP implementation of Provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a catalog client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("content: base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, apiKey: strings.TrimSpace(opts.APIKey), httpClient: client}, nil
}

type pageTextResponse struct {
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

type bookPagesResponse struct {
	Data struct {
		Pages []Page `json:"pages"`
	} `json:"data"`
}

type visualizationEnabledResponse struct {
	Data struct {
		Enabled bool `json:"enabled"`
	} `json:"data"`
}

// PageText returns the text of one page. Missing pages map to
// domain.ErrNotFound.
func (c *Client) PageText(ctx context.Context, pageID string) (string, error) {
	var decoded pageTextResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/pages/"+pageID+"/text", nil, &decoded); err != nil {
		return "", fmt.Errorf("content: page text: %w", err)
	}
	return decoded.Data.Text, nil
}

// BookPages lists every page of a book with its visualization flag.
func (c *Client) BookPages(ctx context.Context, bookID string) ([]Page, error) {
	var decoded bookPagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/books/"+bookID+"/pages", nil, &decoded); err != nil {
		return nil, fmt.Errorf("content: book pages: %w", err)
	}
	return decoded.Data.Pages, nil
}

// VisualizationEnabled reports whether the book owner allows visualization.
func (c *Client) VisualizationEnabled(ctx context.Context, bookID string) (bool, error) {
	var decoded visualizationEnabledResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/books/"+bookID+"/visualization", nil, &decoded); err != nil {
		return false, fmt.Errorf("content: visualization enabled: %w", err)
	}
	return decoded.Data.Enabled, nil
}

// SetPageVisualized posts the selected image URL back to the catalog.
func (c *Client) SetPageVisualized(ctx context.Context, pageID, imageURL string) error {
	body := map[string]string{"image_url": imageURL}
	if err := c.do(ctx, http.MethodPost, "/api/v1/pages/"+pageID+"/visualized", body, nil); err != nil {
		return fmt.Errorf("content: set page visualized: %w", err)
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

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
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

func snippet(b []byte) string {
	s := string(b)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

var _ Provider = (*Client)(nil)
