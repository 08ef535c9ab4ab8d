package storage

import "context"

// UploadResult is the stored-image metadata returned by every upload.
type UploadResult struct {
	URL          string
	ThumbnailURL string
	SizeBytes    int64
	Width        int
	Height       int
	StoragePath  string
}

// Store is the image store consumed by the pipeline. Delete is best-effort:
// it is invoked after a soft-delete and its failure is only logged.
type Store interface {
	Upload(ctx context.Context, data []byte, fileName, format, ownerID string) (*UploadResult, error)
	UploadFromURL(ctx context.Context, sourceURL, fileName, ownerID string) (*UploadResult, error)
	Delete(ctx context.Context, storagePath string) error
}
