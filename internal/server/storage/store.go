package storage

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned when a storage key has no blob behind it.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore defines the interface for blob storage backends. Keys are
// server-generated identifiers, never client-supplied names, so backends do
// not need to defend against path traversal beyond basic hygiene.
type BlobStore interface {
	// Save writes the blob and returns the number of bytes actually
	// persisted, which callers treat as the authoritative size.
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	// Open returns a stream of the blob's content.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
	// Size reports the persisted byte size of the blob.
	Size(ctx context.Context, key string) (int64, error)
	// EnsureReady verifies the backend is usable (directory exists,
	// bucket reachable) before the server starts accepting uploads.
	EnsureReady(ctx context.Context) error
}
