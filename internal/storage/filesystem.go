// Package storage persists generated images and hands back the metadata the
// job aggregate records on each Generated Image.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FileStore persists images onto the local filesystem. It is intended for
// development and test environments where an object storage service is not
// available.
type FileStore struct {
	basePath   string
	baseURL    string
	httpClient *http.Client
}

// NewFileStore initializes a FileStore rooted at basePath. baseURL is the
// public prefix under which stored keys are served.
func NewFileStore(basePath, baseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{
		basePath:   basePath,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Upload writes image bytes under an owner-scoped key and returns the stored
// metadata. The thumbnail URL points at the original until an async thumbnail
// replaces it through the aggregate's metadata update.
func (s *FileStore) Upload(ctx context.Context, data []byte, fileName, format, ownerID string) (*UploadResult, error) {
	if s == nil {
		return nil, errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("storage: empty payload")
	}

	key, err := sanitizeKey(path.Join(ownerID, fileName))
	if err != nil {
		return nil, err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("storage: write file: %w", err)
	}

	width, height := dimensions(data)
	url := s.publicURL(key)
	return &UploadResult{
		URL:          url,
		ThumbnailURL: url,
		SizeBytes:    int64(len(data)),
		Width:        width,
		Height:       height,
		StoragePath:  key,
	}, nil
}

// UploadFromURL pulls a remote image produced by a generation backend and
// stores it locally.
func (s *FileStore) UploadFromURL(ctx context.Context, sourceURL, fileName, ownerID string) (*UploadResult, error) {
	if s == nil {
		return nil, errors.New("storage: no store configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: build download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("storage: download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("storage: download: %w", err)
	}
	return s.Upload(ctx, data, fileName, formatFromName(fileName), ownerID)
}

// Delete removes a stored file. Missing files are not an error.
func (s *FileStore) Delete(ctx context.Context, storagePath string) error {
	if s == nil {
		return errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := sanitizeKey(storagePath)
	if err != nil {
		return err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

func (s *FileStore) publicURL(key string) string {
	if s.baseURL == "" {
		return key
	}
	return s.baseURL + "/" + key
}

func dimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func formatFromName(fileName string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	if ext == "" {
		return "png"
	}
	return ext
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}

var _ Store = (*FileStore)(nil)
