package ingest

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/audit"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/objectstore"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/upload"
)

type fixture struct {
	db        *storage.SQLStore
	objects   *objectstore.MemoryStore
	audit     *audit.Recorder
	orch      *Orchestrator
	registrar *Registrar
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	db, err := storage.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := fixture{db: db, objects: objectstore.NewMemoryStore(), audit: &audit.Recorder{}}
	opts = append([]Option{WithAudit(f.audit)}, opts...)
	f.orch = NewOrchestrator(db, f.objects, opts...)
	f.registrar = NewRegistrar(db, f.objects, "kb", WithIngester(f.orch))
	return f
}

func TestIngest_resumableUploadEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mgr := upload.NewManager(f.objects, f.db.Sessions())

	const mib = 1 << 20
	loc := f.registrar.Locator("acme", "handbook.txt")
	require.NoError(t, f.registrar.EnsureBucket(ctx, "acme"))

	sess, err := mgr.Start(ctx, upload.StartRequest{Locator: loc, MIMEType: "text/plain"})
	require.NoError(t, err)
	var all []byte
	for i, size := range []int{2 * mib, 2 * mib, 1 * mib} {
		part := bytes.Repeat([]byte{byte('a' + i)}, size)
		all = append(all, part...)
		_, err = mgr.UploadChunk(ctx, sess.ID, part, i+1)
		require.NoError(t, err)
	}
	res, err := mgr.Complete(ctx, sess.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5*mib, res.Size)

	uc := UploadContext{WorkspaceSlug: "acme", Filename: "handbook.txt", MIMEType: "text/plain", UploaderID: "u1"}
	reg, err := f.registrar.RegisterCompleted(ctx, res, uc)
	require.NoError(t, err)
	assert.False(t, reg.Duplicate)

	out, err := f.orch.Ingest(ctx, reg.Locator, uc)
	require.NoError(t, err)
	assert.Equal(t, reg.DocumentID, out.DocumentID)
	assert.Equal(t, expectedChunks(len(all), 2000, 200), out.ChunksCreated)
	assert.Equal(t, 2913, out.ChunksCreated)

	doc, err := f.db.GetDocument(ctx, out.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentReady, doc.Status)
	assert.Equal(t, out.TokenCount, doc.TokenCount)

	file, err := f.db.GetFile(ctx, reg.FileID)
	require.NoError(t, err)
	assert.Equal(t, models.FileReady, file.Status)
	assert.EqualValues(t, 5*mib, file.Size)
}

func TestIngest_embedsChunks(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider := embedding.NewMockProvider(8)
	cache := embedding.NewCache(db)
	rec := &audit.Recorder{}
	objects := objectstore.NewMemoryStore()
	orch := NewOrchestrator(db, objects,
		WithAudit(rec),
		WithEmbeddings(cache, provider),
		WithChunkOptions(ChunkOptions{MaxCharacters: 40, Overlap: 10}),
	)
	reg := NewRegistrar(db, objects, "kb", WithIngester(orch))

	text := "# Returns\n\nItems can be returned within thirty days of delivery for a full refund."
	_, out, err := reg.IngestBuffer(ctx, []byte(text), UploadContext{WorkspaceSlug: "acme", Filename: "returns.md", MIMEType: "text/markdown"})
	require.NoError(t, err)
	require.Positive(t, out.ChunksCreated)
	assert.Equal(t, out.ChunksCreated, out.Embedded)

	chunks, err := db.ListChunks(ctx, out.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, out.ChunksCreated)
	for _, c := range chunks {
		assert.Len(t, c.Embedding, 8)
		assert.NotEmpty(t, c.ContentHash)
	}

	events := rec.Named(IngestionEvent)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "acme", events[0].Workspace)
	assert.Equal(t, out.ChunksCreated, events[0].Fields["chunks"])
}

func TestIngest_retryReplacesChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithChunkOptions(ChunkOptions{MaxCharacters: 10, Overlap: 2}))
	uc := UploadContext{WorkspaceSlug: "acme", Filename: "a.txt", MIMEType: "text/plain"}

	reg, first, err := f.registrar.IngestBuffer(ctx, []byte(strings.Repeat("x", 50)), uc)
	require.NoError(t, err)
	second, err := f.orch.Ingest(ctx, reg.Locator, uc)
	require.NoError(t, err)

	assert.Equal(t, first.DocumentID, second.DocumentID)
	chunks, err := f.db.ListChunks(ctx, second.DocumentID)
	require.NoError(t, err)
	assert.Len(t, chunks, first.ChunksCreated)
	assert.Len(t, chunks, expectedChunks(50, 10, 2))
}

func TestIngest_unknownObject(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Ingest(context.Background(),
		models.ObjectLocator{Bucket: "kb-acme", ObjectKey: "acme/missing.pdf", Workspace: "acme"},
		UploadContext{WorkspaceSlug: "acme", Filename: "missing.pdf"})
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
	assert.False(t, apperr.IsRetryable(err))

	events := f.audit.Named(IngestionEvent)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeFailure, events[0].Outcome)
}

func TestIngest_fetchFailureMarksDocumentFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	uc := UploadContext{WorkspaceSlug: "acme", Filename: "a.txt", MIMEType: "text/plain"}
	reg, err := f.registrar.RecordBuffer(ctx, []byte("hello world"), uc)
	require.NoError(t, err)

	f.objects.FailNext("get", errors.New("connection refused"))
	_, err = f.orch.Ingest(ctx, reg.Locator, uc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransientStorage))
	assert.True(t, apperr.IsRetryable(err))

	doc, err := f.db.GetDocument(ctx, reg.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentFailed, doc.Status)

	// A retry succeeds once storage recovers.
	out, err := f.orch.Ingest(ctx, reg.Locator, uc)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ChunksCreated)
}

func TestIngest_failedReingestKeepsReadyDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithChunkOptions(ChunkOptions{MaxCharacters: 10, Overlap: 2}))
	uc := UploadContext{WorkspaceSlug: "acme", Filename: "a.txt", MIMEType: "text/plain"}
	reg, first, err := f.registrar.IngestBuffer(ctx, []byte(strings.Repeat("y", 30)), uc)
	require.NoError(t, err)

	f.objects.FailNext("get", errors.New("connection refused"))
	_, err = f.orch.Ingest(ctx, reg.Locator, uc)
	require.Error(t, err)

	doc, err := f.db.GetDocument(ctx, reg.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentReady, doc.Status)
	chunks, err := f.db.ListChunks(ctx, reg.DocumentID)
	require.NoError(t, err)
	assert.Len(t, chunks, first.ChunksCreated)
}

type failingProvider struct{}

func (failingProvider) Embed(context.Context, string) (embedding.Result, error) {
	return embedding.Result{}, errors.New("quota exceeded")
}
func (failingProvider) Model() string { return "failing" }

func TestIngest_embeddingFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	objects := objectstore.NewMemoryStore()
	orch := NewOrchestrator(db, objects, WithEmbeddings(embedding.NewCache(db), failingProvider{}))
	reg := NewRegistrar(db, objects, "kb", WithIngester(orch))

	_, out, err := reg.IngestBuffer(ctx, []byte("some text"), UploadContext{WorkspaceSlug: "acme", Filename: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ChunksCreated)
	assert.Zero(t, out.Embedded)

	doc, err := db.GetDocument(ctx, out.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentReady, doc.Status)
}

func TestIngest_invalidChunkOptionsArePermanent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithChunkOptions(ChunkOptions{MaxCharacters: 100, Overlap: 100}))
	uc := UploadContext{WorkspaceSlug: "acme", Filename: "a.txt"}
	reg, err := f.registrar.RecordBuffer(ctx, []byte("text"), uc)
	require.NoError(t, err)

	_, err = f.orch.Ingest(ctx, reg.Locator, uc)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
	assert.False(t, apperr.IsRetryable(err))
}

func TestIngest_emptyDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	uc := UploadContext{WorkspaceSlug: "acme", Filename: "empty.txt"}
	reg, err := f.registrar.RecordBuffer(ctx, []byte{}, uc)
	require.NoError(t, err)
	out, err := f.orch.Ingest(ctx, reg.Locator, uc)
	require.NoError(t, err)
	assert.Zero(t, out.ChunksCreated)

	doc, err := f.db.GetDocument(ctx, out.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentReady, doc.Status)
}

func TestIngest_auditDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	uc := UploadContext{WorkspaceSlug: "acme", UploaderID: "u7", Filename: "a.txt", Size: 3}
	_, _, err := f.registrar.IngestBuffer(ctx, []byte("abc"), uc)
	require.NoError(t, err)

	e := f.audit.Named(IngestionEvent)[0]
	assert.Equal(t, "u7", e.Actor)
	assert.EqualValues(t, 3, e.Size)
	assert.GreaterOrEqual(t, e.Duration, time.Duration(0))
}
