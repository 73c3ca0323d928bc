package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSystemStore stores blobs as flat files under a base directory,
// named by storage key.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureReady creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureReady(ctx context.Context) error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data to a file named by the storage key.
// Returns the number of bytes written.
func (fs *FileSystemStore) Save(ctx context.Context, key string, data io.Reader) (int64, error) {
	path := fs.blobPath(key)

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	defer file.Close()

	n, err := io.Copy(file, data)
	if err != nil {
		// Clean up partial file on error
		os.Remove(path)
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}

	return n, nil
}

// Open returns a reader over a stored blob.
func (fs *FileSystemStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(fs.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", key, err)
	}
	return file, nil
}

// Size reports the on-disk size of a stored blob.
func (fs *FileSystemStore) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(fs.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return 0, fmt.Errorf("failed to stat blob %s: %w", key, err)
	}
	return info.Size(), nil
}

// Delete removes the stored blob. Missing blobs are not an error.
func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(fs.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

func (fs *FileSystemStore) blobPath(key string) string {
	// Keys are server-generated, but strip any path components anyway.
	return filepath.Join(fs.basePath, filepath.Base(key))
}
