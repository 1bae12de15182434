package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Source reads asset bytes by registry path.
type Source interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// FileSource reads assets from a directory. Absolute paths are read as is.
type FileSource struct {
	Root string
}

// ReadFile implements Source.
func (s FileSource) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(s.Resolve(path))
}

// Resolve maps an asset path to a filesystem path.
func (s FileSource) Resolve(path string) string {
	if filepath.IsAbs(path) || s.Root == "" {
		return path
	}
	return filepath.Join(s.Root, filepath.FromSlash(path))
}

// MemorySource serves assets from memory.
type MemorySource struct {
	mu    sync.RWMutex
	files map[string][]byte

	// BeforeRead, when set, runs before every read. Tests use it to hold
	// workers at a known point.
	BeforeRead func(path string)
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{files: make(map[string][]byte)}
}

// Put stores data at path.
func (s *MemorySource) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
}

// Delete removes path.
func (s *MemorySource) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// ReadFile implements Source.
func (s *MemorySource) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if hook := s.BeforeRead; hook != nil {
		hook(path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
	}
	return append([]byte(nil), f...), nil
}
