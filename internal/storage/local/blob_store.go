// Package local archives payload blobs on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore writes artifacts under a base directory and returns file://
// URIs. Used for archiving suspected block pages for operator review.
type BlobStore struct {
	baseDir string
}

// New creates the base directory if needed and verifies it is writable.
func New(baseDir string) (*BlobStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	probe := filepath.Join(baseDir, ".probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("base directory not writable: %w", err)
	}
	_ = os.Remove(probe)
	return &BlobStore{baseDir: baseDir}, nil
}

// PutObject writes data under path relative to the base directory.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(s.baseDir, path)

	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return "file://" + full, nil
}
