package vod

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

// HTTPThumbnails fetches thumbnails over HTTP.
type HTTPThumbnails struct {
	Client *http.Client
}

// Fetch downloads url to dest through a temp file, so dest is either complete or absent.
func (h HTTPThumbnails) Fetch(ctx context.Context, url, dest string) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return archerr.Data("thumbnail", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return archerr.Network("thumbnail", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		if resp.StatusCode >= 500 {
			return archerr.Network("thumbnail", err)
		}
		return archerr.Data("thumbnail", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return archerr.IO("thumbnail", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".thumb-*.tmp")
	if err != nil {
		return archerr.IO("thumbnail", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return archerr.Network("thumbnail", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return archerr.IO("thumbnail", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return archerr.IO("thumbnail", err)
	}
	return nil
}
