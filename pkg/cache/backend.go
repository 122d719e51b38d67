package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Backend persists payloads under storage names.
//
// Implementations must replace a payload atomically on Write: a failed
// Write leaves any previous payload for the same name readable.
// The Store serializes writers, so backends need not lock per name.
type Backend interface {
	// Write stores data under name, replacing any previous payload.
	Write(ctx context.Context, name string, data []byte) error
	// Read returns the payload for name, or ErrCacheMiss.
	Read(ctx context.Context, name string) ([]byte, error)
	// Delete removes the payload for name. Missing names are not an error.
	Delete(ctx context.Context, name string) error
	// Clear removes every payload the backend holds.
	Clear(ctx context.Context) error
	// Ping checks that the backend is usable.
	Ping(ctx context.Context) error
	// Close releases the backend's resources.
	Close() error
}

// FileBackend stores one file per payload in a directory.
// File names are storage names. The directory is owned by the process.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the directory if needed and returns a backend
// rooted at it.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the backing directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Path returns the file path used for a storage name.
func (b *FileBackend) Path(name string) string {
	return filepath.Join(b.dir, name)
}

// Write writes data to a temporary file and renames it over the target.
func (b *FileBackend) Write(_ context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.Path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Read returns the file contents for name.
func (b *FileBackend) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	return data, nil
}

// Delete removes the file for name.
func (b *FileBackend) Delete(_ context.Context, name string) error {
	if err := os.Remove(b.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

// Clear removes everything inside the directory, keeping the directory.
func (b *FileBackend) Clear(_ context.Context) error {
	items, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("list cache directory: %w", err)
	}
	for _, item := range items {
		if err := os.RemoveAll(filepath.Join(b.dir, item.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", item.Name(), err)
		}
	}
	return nil
}

// Ping checks that the directory still exists.
func (b *FileBackend) Ping(_ context.Context) error {
	info, err := os.Stat(b.dir)
	if err != nil {
		return fmt.Errorf("stat cache directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", b.dir)
	}
	return nil
}

// Close is a no-op for files.
func (b *FileBackend) Close() error {
	return nil
}
