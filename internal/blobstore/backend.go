// Package blobstore isolates the server from the object store that holds
// encrypted file content. A Backend does raw object I/O and link signing;
// Client layers encryption, content classification and link fetching on
// top of it.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUpstreamUnavailable wraps every transport failure talking to the
// object store. Callers decide whether to retry; this package never does.
var ErrUpstreamUnavailable = errors.New("blob store unavailable")

// Backend is the interface for object storage backends.
type Backend interface {
	// PutObject uploads size bytes from body under key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// PresignGet issues a download URL for key that stays valid for ttl.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Type returns the backend type identifier ("s3", "minio", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
