package domain

import "time"

// ImageMetadata carries the storage attributes of an uploaded image.
type ImageMetadata struct {
	URL           string `json:"url"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Format        string `json:"format"`
	StoragePath   string `json:"storage_path"`
	Provider      string `json:"provider,omitempty"`
	ProviderJobID string `json:"provider_job_id,omitempty"`
}

// GeneratedImage is one produced image, owned by exactly one Job. It holds a
// parent id instead of a back-reference; all mutation goes through the owning
// aggregate.
type GeneratedImage struct {
	ID          string        `json:"id"`
	JobID       string        `json:"job_id"`
	Metadata    ImageMetadata `json:"metadata"`
	Prompt      *PromptData   `json:"prompt,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
	IsSelected  bool          `json:"is_selected"`
	IsDeleted   bool          `json:"is_deleted"`
}

func (img *GeneratedImage) markSelected()   { img.IsSelected = true }
func (img *GeneratedImage) markDeselected() { img.IsSelected = false }

// markDeleted soft-deletes the image and drops its selection flag. Storage
// cleanup is a separate best-effort side effect handled outside the aggregate.
func (img *GeneratedImage) markDeleted() {
	img.IsDeleted = true
	img.IsSelected = false
}
