// Package objectstore is the blob storage boundary: one bucket per workspace, single
// puts for small buffers and S3-style multipart uploads for resumable sessions.
package objectstore

import (
	"context"
	"strings"
)

// CompletedPart identifies an uploaded part when completing a multipart upload.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Store is implemented by S3Store and MemoryStore. Missing objects and uploads are
// reported as apperr.ErrNotFound, every other failure as apperr.ErrTransientStorage.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	CreateMultipart(ctx context.Context, bucket, key, contentType string) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, data []byte) (string, error)
	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}

// BucketName returns the workspace bucket "{prefix}-{slug}", lower-cased.
func BucketName(prefix, slug string) string {
	return strings.ToLower(strings.TrimSpace(prefix) + "-" + strings.TrimSpace(slug))
}
