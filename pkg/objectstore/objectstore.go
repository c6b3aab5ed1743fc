// Package objectstore wraps the object store holding uploaded protocol
// PDFs. The production backend is Google Cloud Storage; every call passes
// through the gcs circuit breaker, and reads carry a bounded retry since
// they are idempotent.
package objectstore

import (
	"context"
	"time"
)

// Store is the object-store capability the pipeline consumes.
type Store interface {
	// Fetch reads the object behind an opaque file pointer.
	Fetch(ctx context.Context, pointer string) ([]byte, error)
	// Put writes data and returns the opaque pointer for later Fetch calls.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Sign returns a time-limited URL for direct download.
	Sign(ctx context.Context, pointer string, ttl time.Duration) (string, error)
}
