package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hyperjump/chishiki/internal/apperr"
)

// MemoryStore keeps objects in process memory. It is used in tests and for local runs
// without an S3 endpoint.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	uploads map[string]*memoryUpload
	faults  map[string]error
}

type memoryUpload struct {
	bucket, key string
	parts       map[int][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]map[string][]byte),
		uploads: make(map[string]*memoryUpload),
		faults:  make(map[string]error),
	}
}

// FailNext makes the next call of op ("put", "create", "part", "complete", "abort",
// "get", "delete", "bucket") fail with err.
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

func (m *MemoryStore) fault(op string) error {
	err, ok := m.faults[op]
	if !ok {
		return nil
	}
	delete(m.faults, op)
	return apperr.Transient(op, err)
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// EnsureBucket creates the bucket if needed.
func (m *MemoryStore) EnsureBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("bucket"); err != nil {
		return err
	}
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m *MemoryStore) bucket(name string) map[string][]byte {
	b, ok := m.buckets[name]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[name] = b
	}
	return b
}

// Put stores a copy of data.
func (m *MemoryStore) Put(ctx context.Context, bucket, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient("put "+key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("put"); err != nil {
		return err
	}
	m.bucket(bucket)[key] = append([]byte(nil), data...)
	return nil
}

// CreateMultipart starts an upload.
func (m *MemoryStore) CreateMultipart(_ context.Context, bucket, key, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("create"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.uploads[id] = &memoryUpload{bucket: bucket, key: key, parts: make(map[int][]byte)}
	return id, nil
}

// UploadPart stores a part, replacing any earlier part with the same number.
func (m *MemoryStore) UploadPart(_ context.Context, _, key, uploadID string, partNumber int, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("part"); err != nil {
		return "", err
	}
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", apperr.NotFound("upload %s for %s", uploadID, key)
	}
	up.parts[partNumber] = append([]byte(nil), data...)
	return etag(data), nil
}

// CompleteMultipart concatenates the listed parts into the object.
func (m *MemoryStore) CompleteMultipart(_ context.Context, _, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("complete"); err != nil {
		return err
	}
	up, ok := m.uploads[uploadID]
	if !ok {
		return apperr.NotFound("upload %s for %s", uploadID, key)
	}
	sorted := append([]CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	var body []byte
	for _, p := range sorted {
		data, ok := up.parts[p.PartNumber]
		if !ok {
			return apperr.InvalidState("complete %s: part %d was never uploaded", key, p.PartNumber)
		}
		if etag(data) != p.ETag {
			return apperr.InvalidState("complete %s: part %d etag mismatch", key, p.PartNumber)
		}
		body = append(body, data...)
	}
	m.bucket(up.bucket)[up.key] = body
	delete(m.uploads, uploadID)
	return nil
}

// AbortMultipart discards an upload.
func (m *MemoryStore) AbortMultipart(_ context.Context, _, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("abort"); err != nil {
		return err
	}
	if _, ok := m.uploads[uploadID]; !ok {
		return apperr.NotFound("upload %s for %s", uploadID, key)
	}
	delete(m.uploads, uploadID)
	return nil
}

// Get returns a copy of the object.
func (m *MemoryStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("get"); err != nil {
		return nil, err
	}
	data, ok := m.buckets[bucket][key]
	if !ok {
		return nil, apperr.NotFound("object %s/%s", bucket, key)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the object.
func (m *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("delete"); err != nil {
		return err
	}
	delete(m.buckets[bucket], key)
	return nil
}

// Has reports whether an object exists.
func (m *MemoryStore) Has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket][key]
	return ok
}

// PendingUploads returns the number of unfinished multipart uploads.
func (m *MemoryStore) PendingUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}
