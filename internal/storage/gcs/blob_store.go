// Package gcs archives document bodies to a Google Cloud Storage
// bucket. Authentication uses Application Default Credentials.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// Config holds settings for the GCS blob store.
type Config struct {
	Bucket string
}

// BlobStore writes objects to a bucket and returns gs:// URIs.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// NewBlobStore creates a GCS client and verifies the bucket is
// reachable so bad credentials or a missing bucket fail at startup.
func NewBlobStore(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs blob store: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs blob store: create client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		closeErr := client.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("gcs blob store: bucket %s attrs: %w (close: %v)", cfg.Bucket, err, closeErr)
		}
		return nil, fmt.Errorf("gcs blob store: bucket %s attrs: %w", cfg.Bucket, err)
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads data to the bucket and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("gcs blob store: path is required")
	}
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs blob store: write %s: %w", path, err)
	}
	// Close commits the upload; most write errors surface here.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs blob store: commit %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
