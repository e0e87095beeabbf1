package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Compile-time assertion that FileStore satisfies Store.
var _ Store = (*FileStore)(nil)

const (
	storeDirMode   = 0o700
	secretFileMode = 0o600
)

// FileStore persists secrets as plain files under a private directory.
// It is the weak fallback backend: values are not encrypted, but the
// directory and files are restricted to the owning user.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates a FileStore rooted at root. The directory is created
// lazily on first Set.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: filepath.Clean(root)}
}

// Get reads the secret stored under key.
func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.pathFor(key)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("file secret %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("read file secret %q: %w", key, err)
	}
	return string(data), nil
}

// Set writes value under key with owner-only permissions.
func (s *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), storeDirMode); err != nil {
		return fmt.Errorf("create secret directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(value), secretFileMode); err != nil {
		return fmt.Errorf("write file secret %q: %w", key, err)
	}
	return nil
}

// Delete removes the file for key. A missing file is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file secret %q: %w", key, err)
	}
	return nil
}

// pathFor maps key to a path under root, rejecting keys that would escape it.
func (s *FileStore) pathFor(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("file secret: empty key")
	}
	cleaned := filepath.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("file secret: key %q escapes store root", key)
	}
	return filepath.Join(s.root, cleaned), nil
}
