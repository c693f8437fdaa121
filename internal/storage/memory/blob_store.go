// Package memory keeps blobs in memory for tests.
package memory

import (
	"context"
	"sync"
)

// BlobStore stores blobs in a map and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty BlobStore.
func New() *BlobStore {
	return &BlobStore{data: map[string][]byte{}}
}

// PutObject stores a copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Get returns the stored blob, if present.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	return b, ok
}
