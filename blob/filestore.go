// Package blob keeps binary attachments (photos) on local disk until the
// mutation that references them has been replayed.
package blob

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no blob is stored under a key
var ErrNotFound = errors.New("blob not found")

// Uploader sends a binary to the remote file service and returns the URL the
// referencing record should point at.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte, tags []string) (string, error)
}

// FileStore stores blobs as flat files in one directory
type FileStore struct {
	dir string
}

// NewFileStore creates the store, making dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("blob directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put writes data under a fresh key and returns the key
func (fs *FileStore) Put(data []byte) (string, error) {
	key := uuid.NewString()
	if err := fs.write(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// Get reads the blob stored under key
func (fs *FileStore) Get(key string) ([]byte, error) {
	path, err := fs.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// Delete removes a blob; deleting a missing blob is not an error
func (fs *FileStore) Delete(key string) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (fs *FileStore) write(key string, data []byte) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// path maps a key to a file inside the store directory
func (fs *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(fs.dir, key), nil
}
