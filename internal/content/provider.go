// Package content is the client side of the catalog service: it supplies the
// text to illustrate and receives the visualized-page callback.
package content

import "context"

// Page is one catalog page as listed for batch visualization.
type Page struct {
	PageID           string `json:"page_id"`
	ChapterID        string `json:"chapter_id,omitempty"`
	PageNumber       int    `json:"page_number"`
	HasVisualization bool   `json:"has_visualization"`
}

// Provider is the narrow surface of the catalog service the pipeline consumes.
type Provider interface {
	PageText(ctx context.Context, pageID string) (string, error)
	BookPages(ctx context.Context, bookID string) ([]Page, error)
	VisualizationEnabled(ctx context.Context, bookID string) (bool, error)
	// SetPageVisualized marks the page with its selected image URL. Callers
	// treat failures as best-effort.
	SetPageVisualized(ctx context.Context, pageID, imageURL string) error
}
