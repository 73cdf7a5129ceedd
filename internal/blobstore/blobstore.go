// Package blobstore holds generated binaries behind a put/sign interface so
// the asset store does not care whether bytes land on local disk or in an
// S3-compatible bucket.
package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("blobstore: object not found")

// Store persists binaries by key.
type Store interface {
	// Put writes data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte, mimeType string) error
	// SignedURL returns a time-limited download URL for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
