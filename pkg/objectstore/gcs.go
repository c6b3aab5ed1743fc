package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/resilience"
)

// gcsReadRetry bounds retries on idempotent reads. Writes and signing are
// single-shot; failed uploads surface to the caller instead of retrying.
var gcsReadRetry = resilience.Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// GCS is the Google Cloud Storage implementation of Store. All operations
// pass through the process-wide gcs circuit breaker.
type GCS struct {
	client  *storage.Client
	bucket  string
	breaker *resilience.Breaker
}

// NewGCS constructs the GCS store. Credentials come from the ambient
// environment (application default credentials).
func NewGCS(ctx context.Context, cfg config.ObjectStoreConfig, breakers *resilience.Registry) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket not configured")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: creating GCS client: %w", err)
	}
	return &GCS{
		client:  client,
		bucket:  cfg.Bucket,
		breaker: breakers.Get("gcs"),
	}, nil
}

// Fetch reads the full object behind pointer, retrying transient failures.
func (s *GCS) Fetch(ctx context.Context, pointer string) ([]byte, error) {
	return resilience.Execute(s.breaker, func() ([]byte, error) {
		return resilience.Retry(ctx, gcsReadRetry, isTransientGCS, func(ctx context.Context) ([]byte, error) {
			reader, err := s.client.Bucket(s.bucket).Object(pointer).NewReader(ctx)
			if err != nil {
				return nil, fmt.Errorf("open object %q: %w", pointer, err)
			}
			defer reader.Close()

			data, err := io.ReadAll(reader)
			if err != nil {
				return nil, fmt.Errorf("read object %q: %w", pointer, err)
			}
			return data, nil
		})
	})
}

// Put writes data under a fresh object name and returns that name as the
// file pointer.
func (s *GCS) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	pointer := fmt.Sprintf("protocols/%s.pdf", uuid.NewString())

	_, err := resilience.Execute(s.breaker, func() (struct{}, error) {
		writer := s.client.Bucket(s.bucket).Object(pointer).NewWriter(ctx)
		writer.ContentType = contentType
		if _, err := writer.Write(data); err != nil {
			_ = writer.Close()
			return struct{}{}, fmt.Errorf("write object %q: %w", pointer, err)
		}
		if err := writer.Close(); err != nil {
			return struct{}{}, fmt.Errorf("finalize object %q: %w", pointer, err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return "", err
	}
	return pointer, nil
}

// Sign returns a V4 signed URL valid for ttl.
func (s *GCS) Sign(ctx context.Context, pointer string, ttl time.Duration) (string, error) {
	return resilience.Execute(s.breaker, func() (string, error) {
		url, err := s.client.Bucket(s.bucket).SignedURL(pointer, &storage.SignedURLOptions{
			Scheme:  storage.SigningSchemeV4,
			Method:  "GET",
			Expires: time.Now().Add(ttl),
		})
		if err != nil {
			return "", fmt.Errorf("sign object %q: %w", pointer, err)
		}
		return url, nil
	})
}

// isTransientGCS treats everything except context cancellation as worth a
// retry; the bounded attempt count caps the cost of retrying a permanent
// failure.
func isTransientGCS(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
