// Package memory provides an in-memory blob store for tests and for
// deployments that archive nothing durable.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Object is a stored blob with its declared content type.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobStore keeps objects in a map keyed by path and returns memory://
// URIs. Safe for concurrent use.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore constructs an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject stores a copy of data under path.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("memory blob store: path is required")
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[path] = Object{ContentType: contentType, Data: buf}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns the stored object for path, if any.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
