// Package blob defines the interface for a blob storage provider. The
// abstraction keeps the crawler independent of the concrete backend
// (Google Cloud Storage, AWS S3, the local filesystem, or memory).
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists at the key.
var ErrNotFound = errors.New("blob: object not found")

// PutOptions carries optional object metadata.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is the common interface for a blob storage provider.
type Store interface {
	// Put uploads data under key and returns the provider URI of the object.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error)
	// Get reads the object at key. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object at key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
