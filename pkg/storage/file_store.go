package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrObjectNotFound indicates a missing object key.
var ErrObjectNotFound = errors.New("object not found")

// FileStore implements ObjectStore on the local filesystem for development
// and tests. Keys map to paths under the root; path traversal is rejected.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(f.root, clean), nil
}

// Put writes the object to disk, creating parent directories.
func (f *FileStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create object file: %w", err)
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write object: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close object file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize object: %w", err)
	}
	return nil
}

// Get opens the stored object for reading.
func (f *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return file, nil
}

// PresignGet returns a file:// URL; there is no signing for local files.
func (f *FileStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	path, err := f.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return "", fmt.Errorf("stat object: %w", err)
	}
	return "file://" + path, nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
