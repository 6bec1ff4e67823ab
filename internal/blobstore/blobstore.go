// Package blobstore abstracts the object store that holds collected
// document blobs. Metadata rows in the relational store reference blobs by
// key; the store itself never learns about sources or schedules.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("blobstore: object not found")

// ObjectInfo describes a stored object. Size and ContentType come from the
// store itself, not from whoever wrote the object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Store is the set of object operations the ingestion layer needs.
type Store interface {
	// Put writes the object under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error

	// Stat returns the stored object's metadata.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Open returns a reader for the object. The caller must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
