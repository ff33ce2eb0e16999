package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

func TestRegistrar_ObjectKey(t *testing.T) {
	r := NewRegistrar(nil, nil, "KB", WithRegistrarClock(func() time.Time { return time.UnixMilli(1700000000123) }))
	tests := []struct {
		filename string
		want     string
	}{
		{"report.pdf", "acme/1700000000123-report.pdf"},
		{"../../etc/passwd", "acme/1700000000123-passwd"},
		{`C:\docs\notes.md`, "acme/1700000000123-notes.md"},
		{"", "acme/1700000000123-upload"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.ObjectKey("Acme", tt.filename), tt.filename)
	}
	assert.Equal(t, "kb-acme", r.Bucket("Acme"))
}

func TestRecordBuffer_dedupesByChecksum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := []byte("quarterly numbers")
	uc := UploadContext{WorkspaceSlug: "acme", Filename: "q1.txt", MIMEType: "text/plain", UploaderID: "u1"}

	first, err := f.registrar.RecordBuffer(ctx, data, uc)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "kb-acme", first.Locator.Bucket)
	assert.True(t, f.objects.Has(first.Locator.Bucket, first.Locator.ObjectKey))

	uc.Filename = "copy.txt"
	second, err := f.registrar.RecordBuffer(ctx, data, uc)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Locator, second.Locator)
	assert.Equal(t, first.FileID, second.FileID)
	assert.NotEmpty(t, second.DocumentID)
	assert.Equal(t, first.DocumentID, second.DocumentID)

	ws, err := f.db.WorkspaceBySlug(ctx, "acme")
	require.NoError(t, err)
	docs, err := f.db.ListDocuments(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "q1.txt", docs[0].Title)
	assert.Equal(t, models.DocumentPending, docs[0].Status)

	file, err := f.db.GetFile(ctx, first.FileID)
	require.NoError(t, err)
	assert.Equal(t, utils.Checksum(data), file.Checksum)
	assert.EqualValues(t, len(data), file.Size)
	assert.Equal(t, models.FilePending, file.Status)

	// The same bytes in another workspace are a separate file.
	uc.WorkspaceSlug = "globex"
	other, err := f.registrar.RecordBuffer(ctx, data, uc)
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
}

func TestRegisterCompleted_deletesDuplicatePayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	uc := UploadContext{WorkspaceSlug: "acme", Filename: "a.txt"}
	first, err := f.registrar.RecordBuffer(ctx, []byte("same bytes"), uc)
	require.NoError(t, err)

	loc := f.registrar.Locator("acme", "b.txt")
	loc.ObjectKey += "-2"
	require.NoError(t, f.objects.Put(ctx, loc.Bucket, loc.ObjectKey, []byte("same bytes"), "text/plain"))
	res := &models.UploadResult{ObjectLocator: loc, Checksum: utils.Checksum([]byte("same bytes")), Size: 10}

	reg, err := f.registrar.RegisterCompleted(ctx, res, uc)
	require.NoError(t, err)
	assert.True(t, reg.Duplicate)
	assert.Equal(t, first.Locator.ObjectKey, reg.Locator.ObjectKey)
	assert.Equal(t, first.DocumentID, reg.DocumentID)
	assert.False(t, f.objects.Has(loc.Bucket, loc.ObjectKey))
	assert.True(t, f.objects.Has(first.Locator.Bucket, first.Locator.ObjectKey))
}

func TestRecordBuffer_afterDeletionKeepingFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := []byte("retention schedule")
	first, err := f.registrar.RecordBuffer(ctx, data, UploadContext{WorkspaceSlug: "acme", Filename: "v1.txt"})
	require.NoError(t, err)
	_, err = f.db.DeleteDocument(ctx, first.DocumentID, false)
	require.NoError(t, err)

	again, err := f.registrar.RecordBuffer(ctx, data, UploadContext{WorkspaceSlug: "acme", Filename: "v2.txt"})
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.NotEqual(t, first.DocumentID, again.DocumentID)
	doc, err := f.db.GetDocument(ctx, again.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "v2.txt", doc.Title)
}

func TestRegisterCompleted_usesResultWorkspace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	loc := f.registrar.Locator("acme", "c.txt")
	require.NoError(t, f.objects.Put(ctx, loc.Bucket, loc.ObjectKey, []byte("c"), "text/plain"))
	res := &models.UploadResult{ObjectLocator: loc, Checksum: "abc", Size: 1, MIMEType: "text/plain"}

	reg, err := f.registrar.RegisterCompleted(ctx, res, UploadContext{Filename: "c.txt"})
	require.NoError(t, err)
	doc, file, err := f.db.DocumentByObjectKey(ctx, "acme", loc.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, reg.DocumentID, doc.ID)
	assert.Equal(t, "text/plain", file.MIMEType)
}

func TestRegistrar_errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.registrar.RecordBuffer(ctx, []byte("x"), UploadContext{Filename: "a.txt"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))

	bare := NewRegistrar(f.db, f.objects, "kb")
	_, _, err = bare.IngestBuffer(ctx, []byte("x"), UploadContext{WorkspaceSlug: "acme"})
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))

	f.objects.FailNext("put", errors.New("unavailable"))
	_, err = f.registrar.RecordBuffer(ctx, []byte("y"), UploadContext{WorkspaceSlug: "acme", Filename: "y.txt"})
	assert.True(t, errors.Is(err, apperr.ErrTransientStorage))
}
