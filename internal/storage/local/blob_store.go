// Package local stores archived document bodies on the local
// filesystem. Useful for development and single-node deployments where
// a cloud bucket is overkill.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds settings for the local blob store.
type Config struct {
	// BaseDir is the root directory where objects are written.
	BaseDir string
}

// BlobStore writes objects under a base directory and returns file://
// URIs. Object paths are slash-separated and become subdirectories.
type BlobStore struct {
	baseDir string
}

// NewBlobStore validates the base directory and probes it for
// writability so misconfiguration surfaces at startup rather than on
// the first archived document.
func NewBlobStore(cfg Config) (*BlobStore, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("local blob store: base dir is required")
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("local blob store: resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("local blob store: create base dir: %w", err)
	}
	probe, err := os.CreateTemp(abs, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("local blob store: base dir not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("local blob store: close probe: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("local blob store: remove probe: %w", err)
	}
	return &BlobStore{baseDir: abs}, nil
}

// PutObject writes data under the base directory and returns a
// file:// URI. The path must stay inside the base directory.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_ = contentType

	cleaned := filepath.Clean(filepath.FromSlash(path))
	full := filepath.Join(s.baseDir, cleaned)
	if full != s.baseDir && !strings.HasPrefix(full, s.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("local blob store: path %q escapes base dir", path)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("local blob store: create parent dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("local blob store: write %s: %w", cleaned, err)
	}
	return "file://" + full, nil
}
