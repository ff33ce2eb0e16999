package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chishiki/internal/apperr"
)

func TestBucketName(t *testing.T) {
	assert.Equal(t, "chishiki-acme", BucketName("chishiki", "Acme"))
	assert.Equal(t, "kb-team-1", BucketName(" KB ", "team-1"))
}

func TestMemoryStore_multipart(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.EnsureBucket(ctx, "b"))

	id, err := m.CreateMultipart(ctx, "b", "k", "text/plain")
	require.NoError(t, err)
	e2, err := m.UploadPart(ctx, "b", "k", id, 2, []byte("world"))
	require.NoError(t, err)
	_, err = m.UploadPart(ctx, "b", "k", id, 1, []byte("hullo "))
	require.NoError(t, err)
	e1, err := m.UploadPart(ctx, "b", "k", id, 1, []byte("hello "))
	require.NoError(t, err)

	require.NoError(t, m.CompleteMultipart(ctx, "b", "k", id, []CompletedPart{{2, e2}, {1, e1}}))
	got, err := m.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Zero(t, m.PendingUploads())

	err = m.AbortMultipart(ctx, "b", "k", id)
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryStore_staleETagRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id, _ := m.CreateMultipart(ctx, "b", "k", "")
	old, _ := m.UploadPart(ctx, "b", "k", id, 1, []byte("v1"))
	_, _ = m.UploadPart(ctx, "b", "k", id, 1, []byte("v2"))
	assert.Error(t, m.CompleteMultipart(ctx, "b", "k", id, []CompletedPart{{1, old}}))
}

func TestMemoryStore_getDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, err := m.Get(ctx, "b", "missing")
	assert.True(t, apperr.IsNotFound(err))

	require.NoError(t, m.Put(ctx, "b", "k", []byte("x"), ""))
	assert.True(t, m.Has("b", "k"))
	require.NoError(t, m.Delete(ctx, "b", "k"))
	assert.False(t, m.Has("b", "k"))
}

func TestMemoryStore_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.FailNext("put", errors.New("disk full"))
	err := m.Put(ctx, "b", "k", []byte("x"), "")
	assert.True(t, errors.Is(err, apperr.ErrTransientStorage))
	assert.NoError(t, m.Put(ctx, "b", "k", []byte("x"), ""))
}

func TestClassify(t *testing.T) {
	notFound := classify("get k", &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"})
	assert.True(t, apperr.IsNotFound(notFound))

	transient := classify("put k", &smithy.GenericAPIError{Code: "SlowDown", Message: "busy"})
	assert.True(t, errors.Is(transient, apperr.ErrTransientStorage))
	assert.False(t, apperr.IsPermanent(transient))

	badPart := classify("complete k", &smithy.GenericAPIError{Code: "InvalidPart", Message: "etag"})
	assert.True(t, errors.Is(badPart, apperr.ErrInvalidState))
	assert.True(t, apperr.IsPermanent(badPart))
}
